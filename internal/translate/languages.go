package translate

import "strings"

var supportedLanguages = map[string]string{
	"ko": "Korean",
	"en": "English",
	"ja": "Japanese",
	"zh": "Chinese",
	"es": "Spanish",
	"fr": "French",
	"de": "German",
	"ru": "Russian",
	"pt": "Portuguese",
	"it": "Italian",
}

var speechLocales = map[string]string{
	"ko-KR": "ko",
	"en-US": "en",
	"ja-JP": "ja",
	"zh-CN": "zh",
	"es-ES": "es",
}

// SupportedLanguages returns code to display-name pairs.
func SupportedLanguages() map[string]string {
	out := make(map[string]string, len(supportedLanguages))
	for k, v := range supportedLanguages {
		out[k] = v
	}
	return out
}

func IsLanguageSupported(code string) bool {
	_, ok := supportedLanguages[code]
	return ok
}

// SpeechLocaleToLanguage maps a recognizer locale such as "ko-KR" to the
// translation code "ko". Unknown locales fall back to their primary subtag;
// an empty locale maps to Korean.
func SpeechLocaleToLanguage(locale string) string {
	locale = strings.TrimSpace(locale)
	if code, ok := speechLocales[locale]; ok {
		return code
	}
	if locale == "" {
		return "ko"
	}
	if i := strings.IndexAny(locale, "-_"); i > 0 {
		return strings.ToLower(locale[:i])
	}
	return strings.ToLower(locale)
}
