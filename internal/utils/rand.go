package utils

import (
	cryptoRand "crypto/rand"
	"encoding/hex"
)

func TokenHex(len int) string {
	b := make([]byte, len)
	_, err := cryptoRand.Read(b)
	if err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)
}
