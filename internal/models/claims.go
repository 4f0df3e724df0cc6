package models

import (
	"github.com/dgrijalva/jwt-go"
)

// Claims is the access token payload shared by every API client.
type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.StandardClaims
}
