package spotify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ggoodman/mcp-hub-go/acl"
	"github.com/ggoodman/mcp-hub-go/credentials"
	"github.com/ggoodman/mcp-hub-go/mcpservice"
)

type accountArg struct {
	Account string `json:"account,omitempty" jsonschema:"description=Account name (e.g. 'dancing-dead'). Omit if only one account is connected."`
}

func (a accountArg) accountName() string { return a.Account }

type accountScoped interface {
	accountName() string
}

type done string

// apiTool builds a tool that resolves the target account before running fn.
// A string or done result is rendered as text, anything else as JSON.
func apiTool[A accountScoped](p *Provider, name, desc string, fn func(ctx context.Context, account string, args A) (any, error), opts ...mcpservice.ToolOption) mcpservice.StaticTool {
	opts = append([]mcpservice.ToolOption{mcpservice.WithToolDescription(desc)}, opts...)
	return mcpservice.NewTool(name, func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[A]) error {
		account, err := p.resolve(ctx, r.Args().accountName())
		if err != nil {
			return w.Fail("Error: %v", err)
		}
		out, err := fn(ctx, account, r.Args())
		if err != nil {
			return w.Fail("Error: %v", err)
		}
		switch v := out.(type) {
		case done:
			return w.AppendText(string(v))
		case string:
			return w.AppendText(v)
		case nil:
			return w.AppendText("null")
		default:
			return w.AppendJSON(v)
		}
	}, opts...)
}

func (p *Provider) tools(ctx context.Context) []mcpservice.StaticTool {
	var tools []mcpservice.StaticTool
	if p.cfg.ACL != nil {
		tools = append(tools,
			acl.IdentifyTool(ctx, p.cfg.ACL, Name),
			acl.SessionTool(p.cfg.ACL, Name),
		)
	}
	tools = append(tools, p.accountTools()...)
	tools = append(tools, p.catalogTools()...)
	tools = append(tools, p.playlistTools()...)
	tools = append(tools, p.playerTools()...)
	tools = append(tools, p.libraryTools()...)
	return tools
}

type accountNameArgs struct {
	AccountName string `json:"account_name" jsonschema:"description=Friendly name of the account, e.g. 'dancing-dead'"`
}

func (p *Provider) accountTools() []mcpservice.StaticTool {
	return []mcpservice.StaticTool{
		mcpservice.NewTool("spotify-auth", func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[accountNameArgs]) error {
			name := strings.TrimSpace(r.Args().AccountName)
			if name == "" {
				return w.Fail("account_name is required")
			}
			return w.AppendText(fmt.Sprintf("Spotify OAuth Authentication\n\n"+
				"1. Open this URL in your browser:\n   %s\n\n"+
				"2. Log in to Spotify and authorize the application.\n\n"+
				"3. You will be redirected to %s and see \"Account connected!\".\n\n"+
				"The authorization code expires after a few minutes.\n\n"+
				"Account name: %q", p.AuthURL(name), p.cfg.RedirectURL, name))
		}, mcpservice.WithToolDescription("Generate an authorization URL to connect a Spotify account")),

		mcpservice.NewTool("spotify-accounts", func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[struct{}]) error {
			names, err := credentials.ListScopedAccounts(ctx, p.cfg.Store, accountScope(ctx))
			if err != nil {
				return w.Fail("Error: %v", err)
			}
			if len(names) == 0 {
				return w.AppendText("No Spotify accounts connected. Use spotify-auth to connect one.")
			}
			var b strings.Builder
			b.WriteString("Connected accounts:")
			for _, name := range names {
				acct, err := p.cfg.Store.Get(ctx, name)
				if err != nil {
					continue
				}
				fmt.Fprintf(&b, "\n- %s: %s (%s)", name, acct.DisplayName, acct.UserID)
			}
			return w.AppendText(b.String())
		}, mcpservice.WithToolDescription("List all connected Spotify accounts"), mcpservice.WithToolReadOnly()),

		mcpservice.NewTool("spotify-remove-account", func(ctx context.Context, w mcpservice.ToolResponseWriter, r *mcpservice.ToolRequest[accountNameArgs]) error {
			if err := p.cfg.Store.Delete(ctx, r.Args().AccountName); err != nil {
				return w.Fail("Error: %v", err)
			}
			p.log.InfoContext(ctx, "spotify.account.remove", "account", r.Args().AccountName)
			return w.AppendText(fmt.Sprintf("Account %q removed.", r.Args().AccountName))
		}, mcpservice.WithToolDescription("Disconnect a Spotify account")),

		apiTool(p, "spotify-whoami", "Get the Spotify profile of an account", func(ctx context.Context, account string, _ accountArg) (any, error) {
			return p.api.Call(ctx, account, http.MethodGet, "/me", nil, nil)
		}, mcpservice.WithToolReadOnly()),
	}
}

type searchArgs struct {
	accountArg
	Query string `json:"query" jsonschema:"description=Search query"`
	Type  string `json:"type,omitempty" jsonschema:"enum=track,enum=album,enum=artist,enum=playlist,default=track"`
	Limit int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=50,default=20"`
}

type idArgs struct {
	accountArg
	ID string `json:"id" jsonschema:"description=Spotify ID, URI or URL"`
}

type pagedIDArgs struct {
	accountArg
	ID     string `json:"id" jsonschema:"description=Spotify ID, URI or URL"`
	Limit  int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=50"`
	Offset int    `json:"offset,omitempty" jsonschema:"minimum=0"`
}

type artistAlbumsArgs struct {
	pagedIDArgs
	IncludeGroups string `json:"include_groups,omitempty" jsonschema:"description=Comma separated: album, single, appears_on, compilation"`
}

type pageArgs struct {
	accountArg
	Limit  int `json:"limit,omitempty" jsonschema:"minimum=1,maximum=50,default=20"`
	Offset int `json:"offset,omitempty" jsonschema:"minimum=0"`
}

func (p *Provider) catalogTools() []mcpservice.StaticTool {
	get := func(path string) func(ctx context.Context, account string, a idArgs) (any, error) {
		return func(ctx context.Context, account string, a idArgs) (any, error) {
			return p.api.Call(ctx, account, http.MethodGet, fmt.Sprintf(path, url.PathEscape(extractID(a.ID))), nil, nil)
		}
	}
	ro := mcpservice.WithToolReadOnly()

	return []mcpservice.StaticTool{
		apiTool(p, "spotify-search", "Search for tracks, albums, artists or playlists", func(ctx context.Context, account string, a searchArgs) (any, error) {
			typ := a.Type
			if typ == "" {
				typ = "track"
			}
			limit := a.Limit
			if limit == 0 {
				limit = 20
			}
			q := pageQuery(limit, 0)
			q.Set("q", a.Query)
			q.Set("type", typ)
			return p.api.Call(ctx, account, http.MethodGet, "/search", q, nil)
		}, ro),
		apiTool(p, "spotify-get-track", "Get details of a track", get("/tracks/%s"), ro),
		apiTool(p, "spotify-get-album", "Get details of an album", get("/albums/%s"), ro),
		apiTool(p, "spotify-get-artist", "Get details of an artist", get("/artists/%s"), ro),
		apiTool(p, "spotify-get-album-tracks", "List the tracks of an album", func(ctx context.Context, account string, a pagedIDArgs) (any, error) {
			return p.api.Call(ctx, account, http.MethodGet, "/albums/"+url.PathEscape(extractID(a.ID))+"/tracks", pageQuery(a.Limit, a.Offset), nil)
		}, ro),
		apiTool(p, "spotify-get-artist-albums", "List the albums of an artist", func(ctx context.Context, account string, a artistAlbumsArgs) (any, error) {
			q := pageQuery(a.Limit, a.Offset)
			if a.IncludeGroups != "" {
				q.Set("include_groups", a.IncludeGroups)
			}
			return p.api.Call(ctx, account, http.MethodGet, "/artists/"+url.PathEscape(extractID(a.ID))+"/albums", q, nil)
		}, ro),
	}
}

type createPlaylistArgs struct {
	accountArg
	Name          string `json:"name" jsonschema:"description=Playlist name"`
	Description   string `json:"description,omitempty"`
	Public        bool   `json:"public,omitempty"`
	Collaborative bool   `json:"collaborative,omitempty"`
}

type updatePlaylistArgs struct {
	accountArg
	PlaylistID  string  `json:"playlist_id"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Public      *bool   `json:"public,omitempty"`
}

type playlistURIsArgs struct {
	accountArg
	PlaylistID string   `json:"playlist_id"`
	URIs       []string `json:"uris" jsonschema:"description=Spotify track URIs (spotify:track:...)"`
	Position   *int     `json:"position,omitempty" jsonschema:"description=Position to insert at (0-indexed). Omit to append."`
}

type reorderPlaylistArgs struct {
	accountArg
	PlaylistID   string `json:"playlist_id"`
	RangeStart   int    `json:"range_start" jsonschema:"description=Position of the first item to move"`
	RangeLength  int    `json:"range_length,omitempty" jsonschema:"default=1"`
	InsertBefore int    `json:"insert_before" jsonschema:"description=Position to insert before"`
}

type playlistCoverArgs struct {
	accountArg
	PlaylistID  string `json:"playlist_id"`
	ImageBase64 string `json:"image_base64" jsonschema:"description=Base64 encoded JPEG image, at most 256KB"`
}

type playlistPageArgs struct {
	accountArg
	PlaylistID string `json:"playlist_id"`
	Limit      int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=100,default=100"`
	Offset     int    `json:"offset,omitempty" jsonschema:"minimum=0"`
}

// maxCoverBytes bounds the base64 payload of a playlist cover.
const maxCoverBytes = 256 << 10

func (p *Provider) playlistTools() []mcpservice.StaticTool {
	return []mcpservice.StaticTool{
		apiTool(p, "spotify-list-playlists", "List the playlists of the account", func(ctx context.Context, account string, a pageArgs) (any, error) {
			return p.api.Call(ctx, account, http.MethodGet, "/me/playlists", pageQuery(a.Limit, a.Offset), nil)
		}, mcpservice.WithToolReadOnly()),
		apiTool(p, "spotify-get-playlist-items", "List the items of a playlist", func(ctx context.Context, account string, a playlistPageArgs) (any, error) {
			limit := a.Limit
			if limit == 0 {
				limit = 100
			}
			return p.api.Call(ctx, account, http.MethodGet, playlistPath(a.PlaylistID, "/items"), pageQuery(limit, a.Offset), nil)
		}, mcpservice.WithToolReadOnly()),
		apiTool(p, "spotify-create-playlist", "Create a playlist owned by the account", func(ctx context.Context, account string, a createPlaylistArgs) (any, error) {
			var me struct {
				ID string `json:"id"`
			}
			if err := p.api.Get(ctx, account, "/me", nil, &me); err != nil {
				return nil, err
			}
			body := map[string]any{
				"name":          a.Name,
				"description":   a.Description,
				"public":        a.Public,
				"collaborative": a.Collaborative,
			}
			return p.api.Call(ctx, account, http.MethodPost, "/users/"+url.PathEscape(me.ID)+"/playlists", nil, body)
		}),
		apiTool(p, "spotify-update-playlist", "Change a playlist's name, description or visibility", func(ctx context.Context, account string, a updatePlaylistArgs) (any, error) {
			body := map[string]any{}
			if a.Name != nil {
				body["name"] = *a.Name
			}
			if a.Description != nil {
				body["description"] = *a.Description
			}
			if a.Public != nil {
				body["public"] = *a.Public
			}
			return done("Playlist updated."), p.api.Put(ctx, account, playlistPath(a.PlaylistID, ""), nil, body, nil)
		}),
		apiTool(p, "spotify-add-to-playlist", "Add tracks to a playlist", func(ctx context.Context, account string, a playlistURIsArgs) (any, error) {
			body := map[string]any{"uris": a.URIs}
			if a.Position != nil {
				body["position"] = *a.Position
			}
			return p.api.Call(ctx, account, http.MethodPost, playlistPath(a.PlaylistID, "/items"), nil, body)
		}),
		apiTool(p, "spotify-remove-from-playlist", "Remove tracks from a playlist", func(ctx context.Context, account string, a playlistURIsArgs) (any, error) {
			items := make([]map[string]string, 0, len(a.URIs))
			for _, uri := range a.URIs {
				items = append(items, map[string]string{"uri": uri})
			}
			return p.api.Call(ctx, account, http.MethodDelete, playlistPath(a.PlaylistID, "/items"), nil, map[string]any{"items": items})
		}),
		apiTool(p, "spotify-reorder-playlist", "Reorder tracks within a playlist", func(ctx context.Context, account string, a reorderPlaylistArgs) (any, error) {
			length := a.RangeLength
			if length < 1 {
				length = 1
			}
			body := map[string]any{
				"range_start":   a.RangeStart,
				"range_length":  length,
				"insert_before": a.InsertBefore,
			}
			return p.api.Call(ctx, account, http.MethodPut, playlistPath(a.PlaylistID, "/items"), nil, body)
		}),
		apiTool(p, "spotify-update-playlist-cover", "Upload a custom cover image for a playlist (base64 JPEG, max 256KB)", func(ctx context.Context, account string, a playlistCoverArgs) (any, error) {
			img := strings.TrimSpace(a.ImageBase64)
			if img == "" {
				return nil, fmt.Errorf("image_base64 is empty")
			}
			if len(img) > maxCoverBytes {
				return nil, fmt.Errorf("image is %d bytes, the limit is %d", len(img), maxCoverBytes)
			}
			return done("Playlist cover updated."), p.api.PutImage(ctx, account, playlistPath(a.PlaylistID, "/images"), img)
		}),
	}
}

func playlistPath(id, suffix string) string {
	return "/playlists/" + url.PathEscape(extractID(id)) + suffix
}

type deviceArgs struct {
	accountArg
	DeviceID string `json:"device_id,omitempty"`
}

func (a deviceArgs) query() url.Values {
	q := url.Values{}
	if a.DeviceID != "" {
		q.Set("device_id", a.DeviceID)
	}
	return q
}

type playArgs struct {
	deviceArgs
	ContextURI string   `json:"context_uri,omitempty" jsonschema:"description=URI of the album, playlist or artist to play"`
	URIs       []string `json:"uris,omitempty" jsonschema:"description=Track URIs to play"`
	Offset     *int     `json:"offset,omitempty" jsonschema:"description=Position in the context to start at"`
}

type volumeArgs struct {
	deviceArgs
	VolumePercent int `json:"volume_percent" jsonschema:"minimum=0,maximum=100"`
}

type queueArgs struct {
	deviceArgs
	URI string `json:"uri" jsonschema:"description=Spotify track URI"`
}

func (p *Provider) playerTools() []mcpservice.StaticTool {
	read := func(path string) func(ctx context.Context, account string, _ accountArg) (any, error) {
		return func(ctx context.Context, account string, _ accountArg) (any, error) {
			out, err := p.api.Call(ctx, account, http.MethodGet, path, nil, nil)
			if err != nil {
				return nil, err
			}
			if out == nil {
				return done("Nothing is playing."), nil
			}
			return out, nil
		}
	}
	ro := mcpservice.WithToolReadOnly()

	return []mcpservice.StaticTool{
		apiTool(p, "spotify-now-playing", "Get the currently playing track", read("/me/player/currently-playing"), ro),
		apiTool(p, "spotify-playback-state", "Get the full playback state", read("/me/player"), ro),
		apiTool(p, "spotify-devices", "List available playback devices", read("/me/player/devices"), ro),
		apiTool(p, "spotify-get-queue", "Get the playback queue", read("/me/player/queue"), ro),
		apiTool(p, "spotify-play", "Start or resume playback", func(ctx context.Context, account string, a playArgs) (any, error) {
			body := map[string]any{}
			if a.ContextURI != "" {
				body["context_uri"] = a.ContextURI
			}
			if len(a.URIs) > 0 {
				body["uris"] = a.URIs
			}
			if a.Offset != nil {
				body["offset"] = map[string]int{"position": *a.Offset}
			}
			var payload any
			if len(body) > 0 {
				payload = body
			}
			return done("Playback started."), p.api.Put(ctx, account, "/me/player/play", a.query(), payload, nil)
		}),
		apiTool(p, "spotify-pause", "Pause playback", func(ctx context.Context, account string, a deviceArgs) (any, error) {
			return done("Playback paused."), p.api.Put(ctx, account, "/me/player/pause", a.query(), nil, nil)
		}),
		apiTool(p, "spotify-next", "Skip to the next track", func(ctx context.Context, account string, a deviceArgs) (any, error) {
			return done("Skipped to next track."), p.api.Post(ctx, account, "/me/player/next", a.query(), nil, nil)
		}),
		apiTool(p, "spotify-previous", "Go back to the previous track", func(ctx context.Context, account string, a deviceArgs) (any, error) {
			return done("Went back to previous track."), p.api.Post(ctx, account, "/me/player/previous", a.query(), nil, nil)
		}),
		apiTool(p, "spotify-set-volume", "Set the playback volume", func(ctx context.Context, account string, a volumeArgs) (any, error) {
			if a.VolumePercent < 0 || a.VolumePercent > 100 {
				return nil, fmt.Errorf("volume_percent must be between 0 and 100")
			}
			q := a.query()
			q.Set("volume_percent", strconv.Itoa(a.VolumePercent))
			return done(fmt.Sprintf("Volume set to %d%%.", a.VolumePercent)), p.api.Put(ctx, account, "/me/player/volume", q, nil, nil)
		}),
		apiTool(p, "spotify-add-to-queue", "Add a track to the playback queue", func(ctx context.Context, account string, a queueArgs) (any, error) {
			q := a.query()
			q.Set("uri", a.URI)
			return done("Added to queue."), p.api.Post(ctx, account, "/me/player/queue", q, nil, nil)
		}),
	}
}

type trackIDsArgs struct {
	accountArg
	IDs []string `json:"ids" jsonschema:"description=Spotify track IDs"`
}

type topItemsArgs struct {
	pageArgs
	Type      string `json:"type" jsonschema:"enum=artists,enum=tracks"`
	TimeRange string `json:"time_range,omitempty" jsonschema:"enum=short_term,enum=medium_term,enum=long_term,default=medium_term"`
}

type recentArgs struct {
	accountArg
	Limit int `json:"limit,omitempty" jsonschema:"minimum=1,maximum=50,default=20"`
}

func (p *Provider) libraryTools() []mcpservice.StaticTool {
	ids := func(a trackIDsArgs) url.Values {
		out := make([]string, 0, len(a.IDs))
		for _, id := range a.IDs {
			out = append(out, extractID(id))
		}
		return url.Values{"ids": {strings.Join(out, ",")}}
	}
	ro := mcpservice.WithToolReadOnly()

	return []mcpservice.StaticTool{
		apiTool(p, "spotify-saved-tracks", "List the saved tracks of the account", func(ctx context.Context, account string, a pageArgs) (any, error) {
			return p.api.Call(ctx, account, http.MethodGet, "/me/tracks", pageQuery(a.Limit, a.Offset), nil)
		}, ro),
		apiTool(p, "spotify-save-tracks", "Save tracks to the library", func(ctx context.Context, account string, a trackIDsArgs) (any, error) {
			return done(fmt.Sprintf("Saved %d track(s).", len(a.IDs))), p.api.Put(ctx, account, "/me/tracks", ids(a), nil, nil)
		}),
		apiTool(p, "spotify-remove-saved-tracks", "Remove tracks from the library", func(ctx context.Context, account string, a trackIDsArgs) (any, error) {
			return done(fmt.Sprintf("Removed %d track(s).", len(a.IDs))), p.api.Delete(ctx, account, "/me/tracks", ids(a), nil, nil)
		}),
		apiTool(p, "spotify-top-items", "Get the top artists or tracks of the account", func(ctx context.Context, account string, a topItemsArgs) (any, error) {
			if a.Type != "artists" && a.Type != "tracks" {
				return nil, fmt.Errorf("type must be artists or tracks")
			}
			q := pageQuery(a.Limit, a.Offset)
			if a.TimeRange != "" {
				q.Set("time_range", a.TimeRange)
			}
			return p.api.Call(ctx, account, http.MethodGet, "/me/top/"+a.Type, q, nil)
		}, ro),
		apiTool(p, "spotify-recently-played", "List recently played tracks", func(ctx context.Context, account string, a recentArgs) (any, error) {
			return p.api.Call(ctx, account, http.MethodGet, "/me/player/recently-played", pageQuery(a.Limit, 0), nil)
		}, ro),
	}
}
