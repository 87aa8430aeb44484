package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// Result records one HTTP outcome for the summary.
type Result struct {
	Status int
	Body   string
	Err    error
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	adminToken := flag.String("admin-token", "dev-admin-token", "admin token for catalog endpoints")
	stock := flag.Int64("stock", 10, "physical stock to seed")
	price := flag.Int64("price", 1999, "unit price in cents")

	// Oversell check: many shoppers race for a small stock; successful
	// checkouts must never exceed the seeded quantity.
	nUsers := flag.Int("users", 200, "distinct requesters")
	concurrency := flag.Int("c", 50, "max concurrency")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}

	productID, err := createProduct(client, *baseURL, *adminToken, *stock, *price)
	if err != nil {
		panic(fmt.Sprintf("create product failed: %v", err))
	}
	fmt.Printf("seeded product %d with stock %d\n", productID, *stock)

	fmt.Printf("start oversell test: product=%d users=%d concurrency=%d\n", productID, *nUsers, *concurrency)
	results := runCheckout(client, *baseURL, productID, *nUsers, *concurrency)
	printSummary("oversell", results)

	wins := 0
	for _, r := range results {
		if r.Err == nil && r.Status == 200 {
			wins++
		}
	}
	fmt.Printf("successful checkouts: %d (stock was %d)\n", wins, *stock)

	available, err := getAvailable(client, *baseURL, productID)
	if err != nil {
		fmt.Println("availability check err:", err)
	} else {
		fmt.Println("final available stock:", available)
	}
}

func createProduct(client *http.Client, baseURL, adminToken string, stock, price int64) (uint, error) {
	body := map[string]any{
		"name":        fmt.Sprintf("loadtest-%d", time.Now().Unix()),
		"stock":       stock,
		"price_cents": price,
	}
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, baseURL+"/api/products", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Token", adminToken)

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(raw))
	}
	var out struct {
		Data struct {
			ID uint `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, err
	}
	return out.Data.ID, nil
}

func runCheckout(client *http.Client, baseURL string, productID uint, nUsers, concurrency int) []Result {
	type Req struct {
		ProductID   uint   `json:"product_id"`
		Quantity    int64  `json:"quantity"`
		RequesterID string `json:"requester_id"`
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, nUsers)

	for i := 0; i < nUsers; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			req := Req{ProductID: productID, Quantity: 1, RequesterID: fmt.Sprintf("user-%d", idx+1)}
			results[idx] = checkoutOnce(client, baseURL, req)
		}(i)
	}

	wg.Wait()
	return results
}

func checkoutOnce(client *http.Client, baseURL string, req any) Result {
	b, _ := json.Marshal(req)
	httpReq, _ := http.NewRequest(http.MethodPost, baseURL+"/api/checkout", bytes.NewReader(b))
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return Result{Status: resp.StatusCode, Body: string(body)}
}

// printSummary aggregates status-code distribution.
func printSummary(name string, results []Result) {
	count := map[int]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Status]++
	}
	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range []int{200, 400, 404, 429, 500} {
		if count[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, count[code])
		}
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

// getAvailable reads live availability after the run: zero oversell
// means it never goes negative.
func getAvailable(client *http.Client, baseURL string, productID uint) (int64, error) {
	resp, err := client.Get(fmt.Sprintf("%s/api/stock/%d", baseURL, productID))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return 0, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}

	var out struct {
		Code int `json:"code"`
		Data struct {
			Available int64 `json:"available"`
		} `json:"data"`
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return 0, err
	}
	return out.Data.Available, nil
}
