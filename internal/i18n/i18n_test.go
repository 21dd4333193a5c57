package i18n

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func initLang(t *testing.T, lang string) context.Context {
	t.Helper()
	if err := Init(lang); err != nil {
		t.Fatalf("Init(%q): %v", lang, err)
	}
	loc := NewLocalizer(lang)
	return WithLocalizer(context.Background(), loc)
}

func TestTranslateEnglish(t *testing.T) {
	ctx := initLang(t, "en")

	got := T(ctx, "ErrNotFound")
	if got != "The requested resource was not found." {
		t.Errorf("T(ErrNotFound) = %q", got)
	}
}

func TestTranslateRussian(t *testing.T) {
	ctx := initLang(t, "ru")

	got := T(ctx, "ErrInternal")
	if got != "Внутренняя ошибка сервера." {
		t.Errorf("T(ErrInternal) = %q, want 'Внутренняя ошибка сервера.'", got)
	}
}

func TestPluralTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	got1 := Tp(ctx, "SheetsExported", 1)
	if got1 != "Exported 1 answer sheet." {
		t.Errorf("Tp(SheetsExported, 1) = %q", got1)
	}

	got5 := Tp(ctx, "SheetsExported", 5)
	if got5 != "Exported 5 answer sheets." {
		t.Errorf("Tp(SheetsExported, 5) = %q", got5)
	}
}

func TestRussianPlural(t *testing.T) {
	ctx := initLang(t, "ru")

	if got := Tp(ctx, "SheetsExported", 5); got != "Экспортировано 5 листов ответов." {
		t.Errorf("Tp(SheetsExported, 5) = %q", got)
	}
	if got := Tp(ctx, "SheetsExported", 21); got != "Экспортирован 21 лист ответов." {
		t.Errorf("Tp(SheetsExported, 21) = %q", got)
	}
}

func TestTemplateDataTranslation(t *testing.T) {
	ctx := initLang(t, "en")

	got := Td(ctx, "ErrFileTooLarge", map[string]any{"Limit": 25})
	if got != "The file exceeds the 25 MB upload limit." {
		t.Errorf("Td(ErrFileTooLarge, Limit=25) = %q", got)
	}
}

func TestMissingKey(t *testing.T) {
	ctx := initLang(t, "en")

	got := T(ctx, "NonExistentKey")
	if got != "NonExistentKey" {
		t.Errorf("T(NonExistentKey) = %q, want 'NonExistentKey'", got)
	}
}

func TestMiddlewareNegotiates(t *testing.T) {
	if err := Init("en"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	h := Middleware("en")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(T(r.Context(), "ErrInternal")))
	}))

	tests := []struct {
		accept   string
		wantLang string
		wantBody string
	}{
		{"", "en", "Internal server error."},
		{"ru-RU,ru;q=0.9,en;q=0.8", "ru", "Внутренняя ошибка сервера."},
		{"de-DE", "en", "Internal server error."},
	}
	for _, tt := range tests {
		t.Run(tt.accept, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.accept != "" {
				req.Header.Set("Accept-Language", tt.accept)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if got := rec.Header().Get("Content-Language"); got != tt.wantLang {
				t.Errorf("Content-Language = %q, want %q", got, tt.wantLang)
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}
