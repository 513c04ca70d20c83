package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/qiedex/pkg/market"
	"github.com/uhyunpark/qiedex/pkg/orders"
)

func main() {
	var (
		apiURL  = flag.String("api", "http://localhost:8080", "engine base URL")
		address = flag.String("address", "", "owner address (default: derived from -key, or a fresh key)")
		keyHex  = flag.String("key", "", "hex private key to derive the owner address from")
		pair    = flag.String("pair", "QIE/USDT", "trading pair")
		side    = flag.String("side", "buy", "buy or sell")
		kind    = flag.String("type", "limit", "market, limit, stop or stop_limit")
		amount  = flag.String("amount", "", "amount in the input token (quote for buys, base for sells)")
		limit   = flag.String("limit", "", "limit price")
		stop    = flag.String("stop", "", "stop price")
		ttl     = flag.Duration("expires", 0, "expire the order after this long (0 = never)")
		cancel  = flag.String("cancel", "", "cancel this order ID instead of placing one")
		dryRun  = flag.Bool("dry-run", false, "print the request without sending it")
	)
	flag.Parse()

	owner, err := resolveOwner(*address, *keyHex)
	if err != nil {
		fail("owner", err)
	}

	if *cancel != "" {
		body := map[string]string{"address": owner}
		send(*apiURL+"/api/v1/orders/"+*cancel+"/cancel", body, *dryRun)
		return
	}

	spec, err := buildSpec(owner, *pair, *side, *kind, *amount, *limit, *stop, *ttl)
	if err != nil {
		fail("order", err)
	}

	fmt.Println("Order Details:")
	fmt.Printf("  Owner: %s\n", spec.Owner)
	fmt.Printf("  Pair: %s\n", spec.Pair)
	fmt.Printf("  Side: %s\n", spec.Side)
	fmt.Printf("  Type: %s\n", spec.Kind)
	fmt.Printf("  Amount: %s\n", spec.Amount)
	if spec.LimitPrice != nil {
		fmt.Printf("  Limit: %s\n", spec.LimitPrice)
	}
	if spec.StopPrice != nil {
		fmt.Printf("  Stop: %s\n", spec.StopPrice)
	}
	if spec.ExpiresAt != nil {
		fmt.Printf("  Expires: %s\n", spec.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Println()

	send(*apiURL+"/api/v1/orders", spec, *dryRun)
}

func resolveOwner(address, keyHex string) (string, error) {
	if address != "" {
		return orders.NormalizeOwner(address), nil
	}
	if keyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
		if err != nil {
			return "", err
		}
		return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
	}

	fmt.Println("Generating new keypair...")
	key, err := crypto.GenerateKey()
	if err != nil {
		return "", err
	}
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()
	fmt.Printf("Address: %s\n", addr)
	fmt.Printf("Private Key: 0x%x (KEEP SECRET!)\n\n", crypto.FromECDSA(key))
	return addr, nil
}

func buildSpec(owner, pair, side, kind, amount, limit, stop string, ttl time.Duration) (orders.Spec, error) {
	p, err := market.ParsePair(pair)
	if err != nil {
		return orders.Spec{}, err
	}
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return orders.Spec{}, fmt.Errorf("amount: %w", err)
	}
	spec := orders.Spec{
		Owner:  owner,
		Pair:   p,
		Side:   orders.Side(side),
		Kind:   orders.Kind(kind),
		Amount: amt,
	}
	if spec.LimitPrice, err = optionalDecimal(limit); err != nil {
		return orders.Spec{}, fmt.Errorf("limit: %w", err)
	}
	if spec.StopPrice, err = optionalDecimal(stop); err != nil {
		return orders.Spec{}, fmt.Errorf("stop: %w", err)
	}
	if ttl > 0 {
		at := time.Now().Add(ttl).UTC()
		spec.ExpiresAt = &at
	}
	// Same checks the engine applies, so obvious mistakes never leave the machine.
	if err := spec.Validate(time.Now()); err != nil {
		return orders.Spec{}, err
	}
	return spec, nil
}

func optionalDecimal(s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	v, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func send(url string, body any, dryRun bool) {
	payload, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		fail("encode", err)
	}
	fmt.Printf("POST %s\n", url)
	fmt.Println(string(payload))
	fmt.Println()
	if dryRun {
		return
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		fail("request", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") != nil {
		pretty.Write(raw)
	}
	fmt.Printf("%s\n%s\n", resp.Status, pretty.String())
	if resp.StatusCode >= 300 {
		os.Exit(1)
	}
}

func fail(step string, err error) {
	fmt.Printf("Error (%s): %v\n", step, err)
	os.Exit(1)
}
