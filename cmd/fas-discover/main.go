// fas-discover runs a one-shot camera discovery scan and prints the result,
// useful when commissioning a site before the daemon is configured.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"github.com/technosupport/ts-fas/internal/capture"
	"github.com/technosupport/ts-fas/internal/discovery"
)

func main() {
	subnet := flag.String("subnet", "", "CIDR to scan (default: primary interface /24)")
	timeout := flag.Duration("timeout", 30*time.Second, "global scan deadline")
	maxIndex := flag.Int("devices", 10, "local device indices to probe")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	svc := discovery.NewService(capture.DefaultBackend())
	found, err := svc.Run(ctx, discovery.Config{
		Subnet:         *subnet,
		MaxDeviceIndex: *maxIndex,
	})
	if err != nil {
		log.Printf("scan incomplete: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(found); err != nil {
		log.Fatalf("encode: %v", err)
	}
}
