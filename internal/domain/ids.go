package domain

import (
	"crypto/rand"
	"encoding/hex"
	"os"

	"github.com/bwmarrin/snowflake"
	"github.com/spf13/cast"
)

var idNode *snowflake.Node

func init() {
	// Node id must differ per worker when a fleet shares one store.
	n := cast.ToInt64(os.Getenv("WORKER_NODE_ID")) % 1024
	node, err := snowflake.NewNode(n)
	if err != nil {
		panic(err)
	}
	idNode = node
}

// NewID returns a new opaque row identifier.
func NewID() string {
	return idNode.Generate().String()
}

// NewQrToken returns a one-time QR link token: 32 random bytes hex encoded.
func NewQrToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
