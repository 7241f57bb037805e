package http

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

// identPattern matches market and entity identifiers. They are joined with
// '/' and ':' into partition keys, so neither may appear inside one.
var identPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

var validate = newValidator()

// newValidator reports fields by their request parameter names and knows the
// "ident" rule.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, tag := range []string{"param", "query", "json"} {
			if name := strings.Split(f.Tag.Get(tag), ",")[0]; name != "" && name != "-" {
				return name
			}
		}
		return f.Name
	})
	_ = v.RegisterValidation("ident", func(fl validator.FieldLevel) bool {
		return identPattern.MatchString(fl.Field().String())
	})
	return v
}

// ReadAndValidateRequest binds path and query parameters, applies defaults and validates.
// It returns nil or the errors to hand to BadRequestResponse.
func ReadAndValidateRequest(c echo.Context, req interface{}) []ValidationError {
	if err := c.Bind(req); err != nil {
		return toValidationErrors(err)
	}
	if err := defaults.Set(req); err != nil {
		return toValidationErrors(err)
	}
	if err := validate.StructCtx(c.Request().Context(), req); err != nil {
		return toValidationErrors(err)
	}
	return nil
}

func toValidationErrors(err error) []ValidationError {
	var fes validator.ValidationErrors
	if errors.As(err, &fes) {
		out := make([]ValidationError, 0, len(fes))
		for _, fe := range fes {
			out = append(out, describe(fe))
		}
		return out
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		return []ValidationError{{Code: "ERR_BIND", Message: fmt.Sprint(he.Message)}}
	}
	return []ValidationError{{Code: "ERR_UNKNOWN", Message: err.Error()}}
}

// rule renders one validator tag. param names the key the tag parameter is
// reported under; empty means the parameter is not reported.
type rule struct {
	format string
	param  string
}

var rules = map[string]rule{
	"required": {format: "%s is required"},
	"gt":       {format: "%s must be greater than %s", param: "value"},
	"gte":      {format: "%s must be greater than or equal to %s", param: "min"},
	"lt":       {format: "%s must be less than %s", param: "value"},
	"lte":      {format: "%s must be less than or equal to %s", param: "max"},
	"min":      {format: "%s must be at least %s", param: "min"},
	"max":      {format: "%s must be at most %s", param: "max"},
	"uuid":     {format: "%s must be a UUID"},
	"ident":    {format: "%s may only contain letters, digits, '.', '_' and '-'"},
}

func describe(fe validator.FieldError) ValidationError {
	field, tag, param := fe.Field(), fe.Tag(), fe.Param()
	ve := ValidationError{Code: "ERR_" + strings.ToUpper(tag), Field: field}

	switch tag {
	case "oneof":
		opts := strings.Fields(param)
		ve.Message = fmt.Sprintf("%s must be one of: %s", field, strings.Join(opts, ", "))
		ve.Params = map[string]interface{}{"options": opts}
	case "nefield":
		other := strings.ToLower(param)
		ve.Message = fmt.Sprintf("%s must differ from %s", field, other)
		ve.Params = map[string]interface{}{"other": other}
	default:
		r, ok := rules[tag]
		if !ok {
			ve.Message = fmt.Sprintf("%s failed validation: %s", field, tag)
			break
		}
		if strings.Count(r.format, "%s") == 2 {
			ve.Message = fmt.Sprintf(r.format, field, param)
		} else {
			ve.Message = fmt.Sprintf(r.format, field)
		}
		if (tag == "min" || tag == "max") && fe.Kind() == reflect.String {
			ve.Message += " characters"
		}
		if r.param != "" {
			ve.Params = map[string]interface{}{r.param: param}
		}
	}
	return ve
}
