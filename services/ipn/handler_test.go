package ipn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"smallbiznis-recurring/pkg/errutil"
	"smallbiznis-recurring/pkg/middleware"
	"smallbiznis-recurring/services/recurring"
)

func newTestRouter(f *fixture) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Error())
	NewHandler(f.svc).Register(r)
	return r
}

func postForm(r http.Handler, path string, fields map[string]string) *httptest.ResponseRecorder {
	form := url.Values{}
	for k, v := range fields {
		form.Set(k, v)
	}
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestNotifyStatusCodes(t *testing.T) {
	cases := []struct {
		name    string
		route   string
		outcome recurring.Outcome
		err     error
		want    int
	}{
		{"applied", "paypal_pro", recurring.OutcomeApplied, nil, http.StatusOK},
		{"duplicate", "paypal_pro", recurring.OutcomeDuplicate, nil, http.StatusOK},
		{"ignored", "paypal_pro", recurring.OutcomeIgnored, nil, http.StatusOK},
		{"configuration", "paypal_pro", "", errutil.Internal("cannot apply", recurring.ErrConfiguration), http.StatusOK},
		{"persistence", "paypal_pro", "", errutil.ServiceUnavailable("db down", recurring.ErrPersistence), http.StatusServiceUnavailable},
		{"unknown route", "stripe", recurring.OutcomeApplied, nil, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.result = &recurring.Result{Kind: recurring.KindPaymentCompleted, Outcome: tc.outcome}
			f.err = tc.err

			w := postForm(newTestRouter(f), "/ipn/"+tc.route, paymentFields())
			require.Equal(t, tc.want, w.Code, w.Body.String())
			if tc.want == http.StatusOK {
				require.Equal(t, "OK", w.Body.String())
			}
		})
	}
}

func TestNotifyPassesFormFields(t *testing.T) {
	f := newFixture(t)

	w := postForm(newTestRouter(f), "/ipn/paypal_pro", paymentFields())
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.calls, 1)
	require.Equal(t, "8XA571746W2698126", f.calls[0].TxnID())
	require.Equal(t, "i=xyz&m=contribute&c=1&r=100&b=200&p=null", f.calls[0].Token())
}

func TestReplayEndpoint(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)

	_, err := f.svc.Receive(context.Background(), "paypal_pro", paymentFields())
	require.NoError(t, err)
	entry := f.onlyLog(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/notifications/"+entry.ID.String()+"/replay", nil))
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Contains(t, w.Body.String(), "task_id")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/notifications/12345/replay", nil))
	require.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/notifications/"+entry.ID.String(), nil))
	require.Equal(t, http.StatusOK, w.Code)
}
