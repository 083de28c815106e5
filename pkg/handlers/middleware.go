package handlers

import "net/http"

// AuthMiddleware authenticates a request; (*auth.Middleware).RequireAuth satisfies it.
type AuthMiddleware func(http.HandlerFunc) http.HandlerFunc

// OwnerMiddleware attaches the owner-scoped database connection to the request.
type OwnerMiddleware func(http.HandlerFunc) http.HandlerFunc
