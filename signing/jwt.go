package signing

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// signingMethodES256K implements jwt.SigningMethod for K-256 keys.
type signingMethodES256K struct{}

var SigningMethodES256K = &signingMethodES256K{}

func init() {
	// serialize 'aud' as a plain string, not an array of strings
	jwt.MarshalSingleStringAsArray = false
	jwt.RegisterSigningMethod(SigningMethodES256K.Alg(), func() jwt.SigningMethod {
		return SigningMethodES256K
	})
}

func (sm *signingMethodES256K) Alg() string {
	return "ES256K"
}

func (sm *signingMethodES256K) Sign(signingString string, key interface{}) ([]byte, error) {
	priv, ok := key.(*PrivateKey)
	if !ok {
		return nil, jwt.ErrInvalidKeyType
	}
	return priv.HashAndSign([]byte(signingString))
}

func (sm *signingMethodES256K) Verify(signingString string, sig []byte, key interface{}) error {
	pub, ok := key.(*PublicKey)
	if !ok {
		return jwt.ErrInvalidKeyType
	}
	if len(sig) != 64 {
		return jwt.ErrTokenSignatureInvalid
	}
	return pub.HashAndVerifyLenient([]byte(signingString), sig)
}

type serviceAuthClaims struct {
	jwt.RegisteredClaims

	LexMethod string `json:"lxm,omitempty"`
}

func randomNonce() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// SignServiceAuth creates a short-lived bearer token asserting that iss is
// calling the lexMethod endpoint on aud.
func SignServiceAuth(iss, aud string, ttl time.Duration, lexMethod string, priv *PrivateKey) (string, error) {
	now := time.Now()
	claims := serviceAuthClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    iss,
			Audience:  []string{aud},
			ID:        randomNonce(),
		},
		LexMethod: lexMethod,
	}
	token := jwt.NewWithClaims(SigningMethodES256K, claims)
	return token.SignedString(priv)
}

// ValidateServiceAuth checks a token signed by pub for the given audience and
// method, returning the issuer.
func ValidateServiceAuth(tokenString, aud, lexMethod string, pub *PublicKey) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &serviceAuthClaims{}, func(*jwt.Token) (any, error) {
		return pub, nil
	},
		jwt.WithValidMethods([]string{SigningMethodES256K.Alg()}),
		jwt.WithAudience(aud),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(5*time.Second),
	)
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*serviceAuthClaims)
	if !ok {
		return "", jwt.ErrTokenInvalidClaims
	}
	if lexMethod != "" && claims.LexMethod != lexMethod {
		return "", fmt.Errorf("%w: Lexicon endpoint (LXM)", jwt.ErrTokenInvalidClaims)
	}
	return claims.Issuer, nil
}
