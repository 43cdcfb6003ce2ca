package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicore/scheduling/internal/db"
	"github.com/clinicore/scheduling/internal/schedule"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	if err := seedProviders(context.Background(), pool, 100); err != nil {
		log.Fatalf("seed providers: %v", err)
	}
	if err := seedPatients(context.Background(), pool, 9000); err != nil {
		log.Fatalf("seed patients: %v", err)
	}

	log.Println("seed complete")
}

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

var timezones = []string{
	"UTC",
	"America/New_York",
	"America/Chicago",
	"Europe/London",
	"Europe/Berlin",
	"Asia/Tokyo",
}

var granularities = []int{15, 20, 30, 60}

func randomWorkingHours() schedule.WeeklyHours {
	// Weekday clinic hours with a lunch break; some providers also take
	// a Saturday morning shift.
	hours := schedule.WeeklyHours{}
	for _, day := range []string{"monday", "tuesday", "wednesday", "thursday", "friday"} {
		hours[day] = []schedule.Window{
			{Start: "09:00", End: "12:00"},
			{Start: "13:00", End: "17:00"},
		}
	}
	if gofakeit.Bool() {
		hours["saturday"] = []schedule.Window{{Start: "09:00", End: "12:00"}}
	}
	return hours
}

func seedProviders(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d providers", count)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i := 0; i < count; i++ {
		id := uuid.New()
		name := gofakeit.Name()
		specialty := specialties[gofakeit.Number(0, len(specialties)-1)]
		tz := timezones[gofakeit.Number(0, len(timezones)-1)]
		slotMinutes := granularities[gofakeit.Number(0, len(granularities)-1)]

		hoursJSON, err := json.Marshal(randomWorkingHours())
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO providers (id, name, specialty, timezone, slot_minutes, working_hours, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		`, id, name, specialty, tz, slotMinutes, hoursJSON)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) error {
	log.Printf("seeding %d patients", count)

	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for i := 0; i < count; i++ {
		id := uuid.New()
		name := gofakeit.Name()
		email := gofakeit.Email()

		_, err := tx.Exec(ctx, `
			INSERT INTO patients (id, name, email, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, id, name, email)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}
