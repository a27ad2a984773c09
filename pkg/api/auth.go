package api

import (
	echo "github.com/labstack/echo/v5"

	"github.com/lodestar-research/lodestar/pkg/models"
)

// extractUser extracts the authenticated user id from proxy headers.
// Priority: X-Forwarded-User (oauth2-proxy) > X-Forwarded-Email (oauth2-proxy) >
// X-Remote-User (kube-rbac-proxy). Empty means unauthenticated.
func extractUser(c *echo.Context) string {
	if user := c.Request().Header.Get("X-Forwarded-User"); user != "" {
		return user
	}
	if email := c.Request().Header.Get("X-Forwarded-Email"); email != "" {
		return email
	}
	if user := c.Request().Header.Get("X-Remote-User"); user != "" {
		return user
	}
	return ""
}

// locationFromHeaders reads the best-effort request origin the fronting
// proxy sets in X-Geo-* headers. Absent headers leave the fields empty.
func locationFromHeaders(c *echo.Context) models.UserLocation {
	h := c.Request().Header
	return models.UserLocation{
		City:      h.Get("X-Geo-City"),
		Country:   h.Get("X-Geo-Country"),
		Latitude:  h.Get("X-Geo-Latitude"),
		Longitude: h.Get("X-Geo-Longitude"),
	}
}
