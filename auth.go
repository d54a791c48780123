package replica

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// destinations are identified by the `client_id` claim of the jwt presented
// at transport auth. signature verification is delegated to the platform
// that minted the jwt. the replica layer only extracts the identity.

type ClientAuth struct {
	ByJwt      string
	AppVersion string
}

func (self *ClientAuth) ClientId() (Id, error) {
	return ParseClientJwt(self.ByJwt)
}

func ParseClientJwt(jwt string) (Id, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return Id{}, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	clientIdStr, ok := claims["client_id"].(string)
	if !ok {
		return Id{}, fmt.Errorf("jwt missing client_id")
	}
	return ParseId(clientIdStr)
}

var devJwtKey = []byte("replica-dev")

// mints an identity jwt for development and tests
func NewDevClientJwt(clientId Id) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"client_id": clientId.String(),
	})
	return token.SignedString(devJwtKey)
}

func RequireDevClientJwt(clientId Id) string {
	jwt, err := NewDevClientJwt(clientId)
	if err != nil {
		panic(err)
	}
	return jwt
}
