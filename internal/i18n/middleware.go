package i18n

import "net/http"

// Middleware injects a localizer into every request context. The language
// comes from Accept-Language, falling back to lang.
func Middleware(lang string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tag := Match(r.Header.Get("Accept-Language"))
			w.Header().Set("Content-Language", tag.String())
			ctx := WithLocalizer(r.Context(), NewLocalizer(tag.String(), lang))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
