package acl

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ggoodman/mcp-hub-go/mcpservice"
)

// IdentifyToolName is the name of the identity binding tool of provider.
func IdentifyToolName(provider string) string {
	return provider + "-identify"
}

// SessionToolName is the name of the tool reporting the caller's identity.
func SessionToolName(provider string) string {
	return provider + "-session"
}

type identifyArgs struct {
	Username string `json:"username" jsonschema:"description=Username of the person using this session"`
}

// IdentifyTool returns the tool that binds the calling session to a
// directory identity. The description lists the usernames known when the
// tool is built so that agents can identify without a round trip.
func IdentifyTool(ctx context.Context, reg *Registry, provider string) mcpservice.StaticTool {
	desc := fmt.Sprintf("Identify the user of this session to unlock operations above the %q level.", reg.OpenLevel(provider))
	if names := reg.ListIdentities(ctx, provider); len(names) > 0 {
		desc += " Known usernames: " + strings.Join(names, ", ") + "."
	}

	return mcpservice.NewTool(IdentifyToolName(provider), func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[identifyArgs]) error {
		caller, _ := mcpservice.CallerFrom(ctx)
		if caller.SessionID == "" {
			return w.AppendText(fmt.Sprintf("This is a trusted local session; every operation is allowed at the %q level.", Highest))
		}
		username := strings.TrimSpace(r.Args().Username)

		id, err := reg.BindIdentity(ctx, caller.SessionID, username)
		var unknown *UnknownIdentityError
		switch {
		case errors.As(err, &unknown):
			if len(unknown.Valid) == 0 {
				return w.Fail("Unknown username %q. The identity directory lists no users.", username)
			}
			return w.Fail("Unknown username %q. Valid usernames: %s. Call %s again with one of them.",
				username, strings.Join(unknown.Valid, ", "), IdentifyToolName(provider))
		case errors.Is(err, ErrDirectoryUnavailable):
			return w.Fail("Identity directory for %q is not available; every session runs at the default level.", provider)
		case err != nil:
			return w.Fail("Identification failed: %v", err)
		}

		return w.AppendText(fmt.Sprintf("Identified as %s (%s) with %q level.", id.DisplayName, id.Username, id.Level))
	}, mcpservice.WithToolDescription(desc))
}

// SessionTool returns the tool reporting the caller's bound identity and
// effective level.
func SessionTool(reg *Registry, provider string) mcpservice.StaticTool {
	return mcpservice.NewTool(SessionToolName(provider), func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[struct{}]) error {
		caller, _ := mcpservice.CallerFrom(ctx)
		out := map[string]any{
			"provider": provider,
			"level":    reg.SessionLevel(ctx, caller.SessionID, provider).String(),
		}
		if caller.SessionID == "" {
			out["trustedLocal"] = true
			return w.AppendJSON(out)
		}
		out["sessionId"] = caller.SessionID
		if id, ok := reg.store.SessionIdentity(caller.SessionID); ok && id != nil {
			out["identity"] = map[string]any{
				"username":     id.Username,
				"displayName":  id.DisplayName,
				"level":        id.Level.String(),
				"identifiedAt": id.BoundAt,
			}
			if id.Accounts != nil {
				out["allowedAccounts"] = id.Accounts
			}
		}
		return w.AppendJSON(out)
	}, mcpservice.WithToolDescription("Show the identity and capability level of the current session."), mcpservice.WithToolReadOnly())
}
