package main

import (
	"os"

	"github.com/gabrieldiem/tp0-base/server/app"
)

func main() {
	os.Exit(app.Run())
}
