package auth

import (
	"github.com/gin-gonic/gin"

	"authservice/internal/domain/models"
)

// identityKey is the gin context key under which the auth middleware
// stores the resolved caller.
const identityKey = "auth.identity"

func setIdentity(c *gin.Context, user *models.User) {
	c.Set(identityKey, user)
}

// Identity returns the user resolved by the auth middleware. The second
// return is false on unauthenticated routes.
func Identity(c *gin.Context) (*models.User, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return nil, false
	}
	user, ok := v.(*models.User)
	return user, ok
}
