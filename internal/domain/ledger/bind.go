package ledger

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

// validate enforces size limits on request bodies before they reach the
// service. Business rules stay in the service.
var validate = validator.New(validator.WithRequiredStructEnabled())

func init() {
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// bind decodes the request body into v and checks its validate tags.
func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return badRequest(fmt.Sprint(he.Message))
		}
		return badRequest(err.Error())
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return badRequest(err.Error())
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fieldMessage(fe))
		}
		return badRequest(strings.Join(msgs, "; "))
	}
	return nil
}

func fieldMessage(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), strings.SplitN(fe.Namespace(), ".", 2)[0]+".")
	switch fe.Tag() {
	case "max":
		if fe.Kind().String() == "slice" {
			return fmt.Sprintf("%s allows at most %s entries", field, fe.Param())
		}
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	case "printascii":
		return fmt.Sprintf("%s must be printable ASCII", field)
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}
