package billing

import (
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

var testPrices = PriceIDs{Starter: "price_starter", Pro: "price_pro"}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func testCatalog() *Catalog {
	c, err := DefaultCatalog(testPrices)
	if err != nil {
		panic(err)
	}
	return c
}

// t0 is a fixed account creation instant.
var t0 = time.Date(2026, time.January, 10, 12, 0, 0, 0, time.UTC)

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
