// Package auth protects the coven-relay admin API.
//
// # Tokens
//
// Admin clients authenticate with HS256 JWTs signed with auth.jwt_secret.
// Tokens carry a subject, an issue time and an expiry:
//
//	v, err := NewJWTVerifier(secret)
//	token, err := v.Generate("ops", 24*time.Hour)
//	subject, err := v.Verify(token)
//
// The `coven-relay token` command mints tokens from the configured secret.
//
// # HTTP Middleware
//
// HTTPAuthMiddleware checks the Authorization header and stores the subject
// in the request context, where handlers read it with FromContext. When no
// secret is configured the server does not install the middleware.
package auth
