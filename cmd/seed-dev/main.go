package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"bitbucket.org/fonodata/royalty_backend/config"
	"bitbucket.org/fonodata/royalty_backend/models"
	"bitbucket.org/fonodata/royalty_backend/utils"
	"bitbucket.org/fonodata/royalty_backend/workflow"
	"github.com/shopspring/decimal"
)

// seed-dev loads a small set of productoras, phonograms and ownership claims
// for local development. Not for production databases.
func main() {
	flag.Parse()

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}
	models.MigrateTable()

	logger := config.GetLogger()

	// Audit hooks read actor fields from the context.
	ctx = utils.SetActorIdInContext(ctx, 0)
	ctx = utils.SetActorNameInContext(ctx, "SeedDev")

	productoras := []models.NewProductora{
		{Cuit: "30712345671", Name: "Discos Austral SA", Email: "admin@discosaustral.example"},
		{Cuit: "30698765433", Name: "Sello Litoral SRL", Email: "contacto@litoral.example"},
		{Cuit: "27123456780", Name: "Ediciones Pampa", Email: "info@pampa.example"},
	}
	productoraIds := make([]int, 0, len(productoras))
	for _, input := range productoras {
		p, err := models.CreateProductora(ctx, &input)
		if err != nil {
			// Re-running the seed against an already seeded database is fine.
			existing, lookupErr := models.GetProductoraByCuit(ctx, input.Cuit)
			if lookupErr != nil {
				fmt.Fprintf(os.Stderr, "failed to seed productora %s: %v\n", input.Cuit, err)
				os.Exit(1)
			}
			p = existing
		}
		productoraIds = append(productoraIds, p.ID)
		fmt.Printf("productora %d: %s (%s)\n", p.ID, p.Name, p.Cuit)
	}

	phonograms := []models.NewPhonogram{
		{Isrc: "ARABC2400001", Title: "Viento Sur", Artist: "Los Andariegos"},
		{Isrc: "ARABC2400002", Title: "Calle Angosta", Artist: "Marea Baja"},
	}
	phonogramIds := make([]int, 0, len(phonograms))
	for _, input := range phonograms {
		ph, err := models.CreatePhonogram(ctx, &input)
		if err != nil {
			existing, lookupErr := models.GetPhonogramByIsrc(ctx, input.Isrc)
			if lookupErr != nil {
				fmt.Fprintf(os.Stderr, "failed to seed phonogram %s: %v\n", input.Isrc, err)
				os.Exit(1)
			}
			ph = existing
		}
		phonogramIds = append(phonogramIds, ph.ID)
		fmt.Printf("phonogram %d: %s - %s (%s)\n", ph.ID, ph.Artist, ph.Title, ph.Isrc)
	}

	fromDate := time.Now().UTC().AddDate(0, -6, 0)
	claims := []struct {
		phonogramIdx  int
		productoraIdx int
		percentage    string
	}{
		{0, 0, "60"},
		{0, 1, "40"},
		{1, 2, "100"},
	}
	for _, claim := range claims {
		pct, _ := decimal.NewFromString(claim.percentage)
		interval, err := workflow.RegisterOwnershipClaim(ctx, logger, phonogramIds[claim.phonogramIdx], productoraIds[claim.productoraIdx], pct, fromDate)
		if err != nil {
			fmt.Fprintf(os.Stderr, "claim %d%% on phonogram %d skipped: %v\n",
				pct.IntPart(), phonogramIds[claim.phonogramIdx], err)
			continue
		}
		fmt.Printf("claim %d: productora %d holds %s%% of phonogram %d\n",
			interval.ID, interval.ProductoraId, interval.Percentage.String(), interval.PhonogramId)
	}

	fmt.Println("seed-dev: done")
}
