// Package auth issues and checks the credentials of the local API.
//
// LiteLens runs behind a desktop shell on the same machine, so there are no
// user accounts: the shell holds the JWT secret and mints session tokens
// for itself. Two credentials exist:
//   - Session tokens: HS256 JWTs carrying the subject and a unique id,
//     sent as "Authorization: Bearer <token>".
//   - WebSocket tickets: short-lived single-use strings obtained with a
//     session token, so the token never appears in a URL.
package auth
