package main

import (
	"log"

	"yieldrails/services/paymentd"
)

func main() {
	if err := paymentd.Main(); err != nil {
		log.Fatalf("paymentd: %v", err)
	}
}
