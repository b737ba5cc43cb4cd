// Package auth verifies bearer tokens on the HTTP surface and places the
// authenticated subject on the request context.
package auth
