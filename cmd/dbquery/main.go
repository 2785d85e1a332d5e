// dbquery prints candles from the merged columnar tier, or the catalog's
// watermarks with -list. The read-side counterpart of histengine.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"coindata-systemv1/internal/model"
	"coindata-systemv1/internal/store/catalog"
	"coindata-systemv1/internal/store/columnar"
)

func main() {
	product := flag.String("product", "", "Product ID, e.g. BTC-USD")
	from := flag.String("from", "", "Range start: epoch seconds, YYYY-MM-DD, or 'YYYY-MM-DD HH:MM:SS' (default: beginning)")
	to := flag.String("to", "", "Range end (default: now)")
	dataRoot := flag.String("data", "data/coinbase/ohlcv", "Directory holding per-product parquet files")
	dbPath := flag.String("db", "data/catalog.db", "Path to the watermark catalog")
	format := flag.String("format", "table", "Output format: table or csv")
	list := flag.Bool("list", false, "List catalog watermarks instead of querying")
	flag.Parse()

	log.SetFlags(0)

	if *list {
		listWatermarks(*dbPath)
		return
	}

	if *product == "" {
		log.Fatal("dbquery: -product is required (or use -list)")
	}

	var fromAny, toAny any = *from, *to
	if *from == "" {
		fromAny = int64(0)
	}
	if *to == "" {
		toAny = time.Now()
	}

	store, err := columnar.New(columnar.Config{Root: *dataRoot})
	if err != nil {
		log.Fatalf("dbquery: %v", err)
	}
	defer store.Close()

	rows, err := store.QueryBetween(*product, fromAny, toAny)
	if err != nil {
		log.Fatalf("dbquery: %v", err)
	}
	if len(rows) == 0 {
		fmt.Printf("no rows for %s in range\n", *product)
		return
	}

	switch *format {
	case "csv":
		printCSV(rows)
	case "table":
		printTable(rows)
	default:
		log.Fatalf("dbquery: unknown format %q (want table or csv)", *format)
	}

	fmt.Printf("\n%d rows, %s → %s\n",
		len(rows),
		time.Unix(rows[0].T, 0).UTC().Format("2006-01-02 15:04:05"),
		time.Unix(rows[len(rows)-1].T, 0).UTC().Format("2006-01-02 15:04:05"))
}

func printTable(rows []model.Candle) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tOPEN\tHIGH\tLOW\tCLOSE\tVOLUME")
	for _, c := range rows {
		fmt.Fprintf(w, "%s\t%g\t%g\t%g\t%g\t%g\n",
			time.Unix(c.T, 0).UTC().Format("2006-01-02 15:04:05"),
			c.Open, c.High, c.Low, c.Close, c.Volume)
	}
	w.Flush()
}

func printCSV(rows []model.Candle) {
	w := csv.NewWriter(os.Stdout)
	w.Write([]string{"timestamp", "open", "high", "low", "close", "volume"})
	for _, c := range rows {
		w.Write([]string{
			strconv.FormatInt(c.T, 10),
			formatFloat(c.Open),
			formatFloat(c.High),
			formatFloat(c.Low),
			formatFloat(c.Close),
			formatFloat(c.Volume),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		log.Fatalf("dbquery: csv: %v", err)
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func listWatermarks(dbPath string) {
	cat, err := catalog.New(catalog.Config{DBPath: dbPath})
	if err != nil {
		log.Fatalf("dbquery: %v", err)
	}
	defer cat.Close()

	entries, err := cat.All()
	if err != nil {
		log.Fatalf("dbquery: %v", err)
	}
	if len(entries) == 0 {
		fmt.Println("catalog is empty")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PRODUCT\tGRANULARITY\tFIRST\tLAST\tUPDATED")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%ds\t%s\t%s\t%s\n",
			e.Product,
			e.Granularity,
			time.Unix(e.First, 0).UTC().Format("2006-01-02 15:04"),
			time.Unix(e.Last, 0).UTC().Format("2006-01-02 15:04"),
			time.Unix(e.UpdatedAt, 0).UTC().Format("2006-01-02 15:04"))
	}
	w.Flush()
}
