package app

import (
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
)

var validate *validator.Validate
var uniTrans *ut.UniversalTranslator

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	en := en.New()
	uniTrans = ut.New(en, en)
	enTrans, _ := uniTrans.GetTranslator("en")
	en_translations.RegisterDefaultTranslations(validate, enTrans)

	// report fields by their config key
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("mapstructure"), ",")
		if name == "" || name == "-" {
			return strings.ToLower(field.Name)
		}
		return name
	})

	validate.RegisterTranslation("url", enTrans, func(ut ut.Translator) error {
		return ut.Add("url", "{0} must be a valid URL", true)
	}, func(ut ut.Translator, fe validator.FieldError) string {
		t, _ := ut.T("url", configKey(fe))
		return t
	})

	validate.RegisterTranslation("hostname_port", enTrans, func(ut ut.Translator) error {
		return ut.Add("hostname_port", "{0} must be a host:port address", true)
	}, func(ut ut.Translator, fe validator.FieldError) string {
		t, _ := ut.T("hostname_port", configKey(fe))
		return t
	})

	validate.RegisterTranslation("required_without", enTrans, func(ut ut.Translator) error {
		return ut.Add("required_without", "{0} is required when {1} is not set", true)
	}, func(ut ut.Translator, fe validator.FieldError) string {
		t, _ := ut.T("required_without", configKey(fe), strings.ToLower(fe.Param()))
		return t
	})

	validate.RegisterTranslation("required_with", enTrans, func(ut ut.Translator) error {
		return ut.Add("required_with", "{0} is required when {1} is set", true)
	}, func(ut ut.Translator, fe validator.FieldError) string {
		t, _ := ut.T("required_with", configKey(fe), strings.ToLower(fe.Param()))
		return t
	})
}

// configKey returns the dotted config key of the failing field.
func configKey(fe validator.FieldError) string {
	_, key, _ := strings.Cut(fe.Namespace(), ".")
	return key
}
