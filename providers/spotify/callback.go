package spotify

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// CallbackHandler completes the OAuth flow started by spotify-auth. The
// state parameter must be one issued by AuthURL; the exchanged tokens and
// the Spotify profile are stored under the account name it was issued for.
func (p *Provider) CallbackHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		start := time.Now()
		q := r.URL.Query()

		if e := q.Get("error"); e != "" {
			p.log.WarnContext(ctx, "spotify.callback.denied", slog.String("err", e))
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
			p.log.WarnContext(ctx, "spotify.callback.state.invalid")
			writeText(w, http.StatusBadRequest, "Authorization link expired\n\nRun spotify-auth again to get a new link.")
			return
		}

		acct, err := p.tokens.Exchange(ctx, code)
		if err != nil {
			p.log.ErrorContext(ctx, "spotify.callback.exchange.fail", slog.String("account", name), slog.String("err", err.Error()))
			writeText(w, http.StatusInternalServerError, "Connection failed\n\n%v", err)
			return
		}
		profile, err := p.api.Profile(ctx, acct.AccessToken)
		if err != nil {
			p.log.ErrorContext(ctx, "spotify.callback.profile.fail", slog.String("account", name), slog.String("err", err.Error()))
			writeText(w, http.StatusInternalServerError, "Connection failed\n\n%v", err)
			return
		}
		acct.DisplayName = profile.DisplayName
		if acct.DisplayName == "" {
			acct.DisplayName = profile.ID
		}
		acct.UserID = profile.ID

		if err := p.cfg.Store.Put(ctx, name, acct); err != nil {
			p.log.ErrorContext(ctx, "spotify.callback.store.fail", slog.String("account", name), slog.String("err", err.Error()))
			writeText(w, http.StatusInternalServerError, "Connection failed\n\n%v", err)
			return
		}

		p.log.InfoContext(ctx, "spotify.callback.ok",
			slog.String("account", name),
			slog.String("user", profile.ID),
			slog.Int64("dur_ms", time.Since(start).Milliseconds()),
		)
		writeText(w, http.StatusOK, "Account connected!\n\nName: %s\nSpotify user: %s (%s)\n\nYou can close this tab.", name, acct.DisplayName, acct.UserID)
	})
}

func writeText(w http.ResponseWriter, status int, format string, a ...any) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, format, a...)
}
