// Command issue mints a signed redemption token for a merchant, the same
// string a POS terminal would encode into a QR code.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"pointbrew/internal/config"
	"pointbrew/internal/infrastructure"
	"pointbrew/internal/model"
	"pointbrew/internal/token"
)

func main() {
	merchantID := flag.String("merchant", "", "merchant id (required)")
	kind := flag.String("kind", string(model.KindEarn), "earn or spend")
	value := flag.Int64("value", 0, "points, must be positive")
	ttl := flag.Duration("ttl", 5*time.Minute, "how long the token stays redeemable")
	nonce := flag.String("nonce", "", "redemption id (random when empty)")
	reward := flag.String("reward", "", "reward id for spend tokens")
	notes := flag.String("notes", "", "free text stored with the record")
	flag.Parse()

	if *merchantID == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *nonce == "" {
		*nonce = uuid.NewString()
	}

	keys, err := config.LoadMerchantKeys()
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	registry, err := infrastructure.LoadRegistry(keys)
	if err != nil {
		log.Fatalf("Merchant keys: %v", err)
	}

	now := time.Now().UTC()
	raw, err := token.NewCodec(registry).Issue(model.RedemptionToken{
		MerchantID: *merchantID,
		Kind:       model.Kind(*kind),
		Value:      *value,
		IssuedAt:   now,
		ExpiresAt:  now.Add(*ttl),
		Nonce:      *nonce,
		RewardID:   *reward,
		Notes:      *notes,
	})
	if err != nil {
		log.Fatalf("Issue token: %v", err)
	}
	fmt.Println(raw)
}
