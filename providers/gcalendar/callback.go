package gcalendar

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// CallbackHandler completes the OAuth flow started by google-calendar-auth.
// The state must be one issued by AuthURL; the account is stored under the
// name it was issued for.
func (p *Provider) CallbackHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		start := time.Now()
		q := r.URL.Query()

		if e := q.Get("error"); e != "" {
			p.log.WarnContext(ctx, "gcalendar.callback.denied", slog.String("err", e))
			writeText(w, http.StatusBadRequest, "Authorization failed\n\nError: %s\n\nYou can close this tab.", e)
			return
		}
		code, state := q.Get("code"), strings.TrimSpace(q.Get("state"))
		if code == "" || state == "" {
			writeText(w, http.StatusBadRequest, "Missing parameters\n\nCode or state parameter missing.")
			return
		}
		name, err := p.cfg.States.Consume(state)
		if err != nil {
			p.log.WarnContext(ctx, "gcalendar.callback.state.invalid")
			writeText(w, http.StatusBadRequest, "Authorization link expired\n\nRun google-calendar-auth again to get a new link.")
			return
		}

		acct, err := p.tokens.Exchange(ctx, code)
		if err != nil {
			p.log.ErrorContext(ctx, "gcalendar.callback.exchange.fail", slog.String("account", name), slog.String("err", err.Error()))
			writeText(w, http.StatusInternalServerError, "Connection failed\n\n%v", err)
			return
		}
		info, err := p.api.UserInfo(ctx, p.cfg.UserInfoURL, acct.Token())
		if err != nil {
			p.log.ErrorContext(ctx, "gcalendar.callback.userinfo.fail", slog.String("account", name), slog.String("err", err.Error()))
			writeText(w, http.StatusInternalServerError, "Connection failed\n\n%v", err)
			return
		}
		acct.UserID = info.Email
		acct.DisplayName = info.Name
		if acct.DisplayName == "" {
			acct.DisplayName = info.Email
		}

		if err := p.cfg.Store.Put(ctx, name, acct); err != nil {
			p.log.ErrorContext(ctx, "gcalendar.callback.store.fail", slog.String("account", name), slog.String("err", err.Error()))
			writeText(w, http.StatusInternalServerError, "Connection failed\n\n%v", err)
			return
		}

		p.log.InfoContext(ctx, "gcalendar.callback.ok",
			slog.String("account", name),
			slog.String("email", info.Email),
			slog.Int64("dur_ms", time.Since(start).Milliseconds()),
		)
		writeText(w, http.StatusOK, "Google Calendar connected!\n\nAccount: %s\nEmail: %s\n\nYou can close this tab.", name, info.Email)
	})
}

func writeText(w http.ResponseWriter, status int, format string, a ...any) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, format, a...)
}
