package mock

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// jwtHeader is the pre-computed base64-encoded JWT header for unsigned
// tokens. Value: base64url({"alg":"none","typ":"JWT"}).
//
// SECURITY WARNING: this mints unsigned JWTs with alg:none for TESTING
// ONLY. Production IDPs sign tokens, and anything validating tokens
// must reject alg:none outright.
const jwtHeader = "eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0"

// MintToken produces an unsigned JWT carrying the given claims.
func MintToken(claims map[string]interface{}) string {
	payload, err := json.Marshal(claims)
	if err != nil {
		panic(fmt.Sprintf("mock: marshaling claims: %v", err))
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return jwtHeader + "." + encoded + "."
}
