package common

import (
	"os"
	"strconv"
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	snowNode     *snowflake.Node
	snowNodeOnce sync.Once
)

func node() *snowflake.Node {
	snowNodeOnce.Do(func() {
		var err error
		snowNode, err = snowflake.NewNode(int64(os.Getpid() % 1024))
		if err != nil {
			panic(err)
		}
	})
	return snowNode
}

// UUIDint64 returns a time ordered unique id.
func UUIDint64() int64 {
	return node().Generate().Int64()
}

func UUIDString() string {
	return strconv.FormatInt(UUIDint64(), 10)
}
