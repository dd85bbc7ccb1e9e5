package utils

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgrijalva/jwt-go"
)

// AdminClaim identifies an operator allowed to call the admin API.
type AdminClaim struct {
	Subject string `json:"sub_name"`
	Role    string `json:"role"`
	jwt.StandardClaims
}

const AdminRole = "admin"

func getJwtSecret() []byte {
	return []byte(os.Getenv("API_SECRET"))
}

// JwtGenerate signs an admin token valid for lifespan.
func JwtGenerate(subject string, lifespan time.Duration) (string, error) {
	secret := getJwtSecret()
	if len(secret) == 0 {
		return "", errors.New("API_SECRET is not set")
	}
	if lifespan <= 0 {
		lifespan = 24 * time.Hour
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &AdminClaim{
		Subject: subject,
		Role:    AdminRole,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: time.Now().Add(lifespan).Unix(),
			IssuedAt:  time.Now().Unix(),
		},
	})

	return t.SignedString(secret)
}

func JwtValidate(token string) (*jwt.Token, error) {
	secret := getJwtSecret()
	if len(secret) == 0 {
		return nil, errors.New("API_SECRET is not set")
	}
	return jwt.ParseWithClaims(token, &AdminClaim{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("there's a problem with the signing method")
		}
		return secret, nil
	})
}
