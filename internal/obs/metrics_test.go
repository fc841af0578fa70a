package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestInstrumentKeepsFlusher(t *testing.T) {
	handlerSawFlusher := false
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("expected the wrapped writer to implement http.Flusher")
		}
		handlerSawFlusher = true
		w.WriteHeader(http.StatusOK)
		f.Flush()
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stream", nil))
	if !handlerSawFlusher {
		t.Fatal("handler never ran")
	}
	if !rec.Flushed {
		t.Fatal("expected Flush to reach the underlying writer")
	}
}

func TestInstrumentRecordsStatus(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected status passed through, got %d", rec.Code)
	}
}
