package main

import (
	"github.com/galdor/go-service/pkg/service"
)

func main() {
	service.Run("rasite", "a Ricart-Agrawala mutual exclusion site",
		NewService())
}
