// Package auth authenticates hub clients at session creation.
//
// An Authenticator validates a credential string and returns a UserInfo
// whose Username is bound as the session identity in the target provider's
// identity directory. Two implementations are provided:
//
//   - KeyStore maps static API keys to usernames. Keys are loaded from a
//     JSON file that may contain comments (LoadKeyFile).
//   - NewFromDiscovery and NewFromJWKS verify JWT bearer tokens against an
//     issuer's key set, with optional scope requirements.
//
// Chain combines several authenticators. The HTTP transport reads the
// credential from the Authorization bearer header or the "key" query
// parameter and maps ErrUnauthorized to 401 and ErrInsufficientScope to 403.
//
// Example:
//
//	keys, err := auth.LoadKeyFile("/etc/mcphub/keys.jsonc")
//	if err != nil { log.Fatal(err) }
//	jwt, err := auth.NewFromDiscovery(ctx, "https://issuer.example", "https://hub.example",
//	    auth.WithRequiredScopes("mcp:use"),
//	)
//	if err != nil { log.Fatal(err) }
//	authn := auth.Chain(keys, jwt)
package auth
