package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/gorm"

	"trustedge_backend/internal/models"
	"trustedge_backend/internal/services"
	"trustedge_backend/internal/tasks"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment")
	}

	// Initialize Database
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL not set")
	}

	db, err := services.InitDB(databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	// Initialize Task Registry
	tasks.DefineTasks()

	// The recurring book-keeping tasks live in the database like any other
	// task; seed them if nobody scheduled them yet.
	ensureRecurringTasks(db)

	log.Println("Worker started. Waiting for next tick...")

	// Create context that cancels on interrupt
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Println("Shutting down worker...")
		cancel()
	}()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	// Run once immediately so a freshly started worker picks up overdue work
	// without waiting out the first tick.
	processScheduledTasks(ctx, db)

	for {
		select {
		case <-ticker.C:
			processScheduledTasks(ctx, db)
		case <-ctx.Done():
			return
		}
	}
}

// ensureRecurringTasks seeds the standing schedule: a nightly ledger
// reconciliation, an hourly sweep of stale payment handshakes and a morning
// reminder run. Existing active rows are left alone so operators can retune
// due times and arguments without the worker fighting back.
func ensureRecurringTasks(db *gorm.DB) {
	daily := "FREQ=DAILY"
	hourly := "FREQ=HOURLY"

	seeds := []struct {
		name string
		args map[string]interface{}
		due  time.Time
		rule *string
	}{
		{tasks.ReconcileRepaymentsTask.TaskID(), map[string]interface{}{}, nextDailyRun(0, 30), &daily},
		{tasks.SweepStalePaymentsTask.TaskID(), map[string]interface{}{"max_age_minutes": 45}, nextHourlyRun(), &hourly},
		{tasks.SendRepaymentRemindersTask.TaskID(), map[string]interface{}{"days_ahead": 3}, nextDailyRun(9, 0), &daily},
	}

	for _, seed := range seeds {
		var count int64
		err := db.Model(&models.ScheduledTask{}).
			Where("task_name = ? AND task_type = ? AND status = ?",
				seed.name, models.ScheduledTaskTypeRecurring, models.ScheduledTaskStatusActive).
			Count(&count).Error
		if err != nil {
			log.Printf("Error checking recurring task %s: %v", seed.name, err)
			continue
		}
		if count > 0 {
			continue
		}

		task, err := tasks.BuildScheduledTask(seed.name, seed.args, seed.due, seed.rule, models.ScheduledTaskTypeRecurring, 3)
		if err != nil {
			log.Printf("Error building recurring task %s: %v", seed.name, err)
			continue
		}
		if err := db.Create(task).Error; err != nil {
			log.Printf("Error seeding recurring task %s: %v", seed.name, err)
			continue
		}
		log.Printf("Seeded recurring task %s, first run %s", seed.name, seed.due.Format(time.RFC3339))
	}
}

// nextDailyRun returns the next local occurrence of hh:mm.
func nextDailyRun(hour, minute int) time.Time {
	now := time.Now()
	run := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !run.After(now) {
		run = run.AddDate(0, 0, 1)
	}
	return run
}

// nextHourlyRun returns the top of the next hour.
func nextHourlyRun() time.Time {
	return time.Now().Truncate(time.Hour).Add(time.Hour)
}

func processScheduledTasks(ctx context.Context, db *gorm.DB) {
	log.Println("Checking for pending tasks...")

	var pendingTasks []models.ScheduledTask
	now := time.Now()
	if err := db.Where("status = ? AND due <= ?", models.ScheduledTaskStatusActive, now).Find(&pendingTasks).Error; err != nil {
		log.Printf("Error fetching pending tasks: %v", err)
		return
	}

	if len(pendingTasks) == 0 {
		log.Println("No pending tasks found.")
		return
	}

	log.Printf("Found %d pending tasks.", len(pendingTasks))

	for _, task := range pendingTasks {
		if ctx.Err() != nil {
			return
		}

		executeTask(ctx, db, task, 1)
	}
}

func executeTask(ctx context.Context, db *gorm.DB, task models.ScheduledTask, curAttempt int) {
	log.Printf("Processing task: %s (ID: %d)", task.TaskName, task.ID)

	if task.Arguments == nil {
		task.Arguments = make(map[string]interface{})
	}

	handler, found := tasks.GetHandler(task.TaskName)
	if !found {
		log.Printf("Task handler not found for: %s. Marking as failure.", task.TaskName)

		now := time.Now()
		db.Model(&task).Updates(map[string]interface{}{
			"status":   models.ScheduledTaskStatusFailure,
			"last_run": &now,
		})

		history := models.ScheduledTaskHistory{
			ScheduledTaskID: task.ID,
			TaskName:        task.TaskName,
			RunAt:           now,
			Status:          "handler_not_found",
			AttemptNumber:   curAttempt,
			Arguments:       task.Arguments,
			Result:          map[string]interface{}{"error": "handler not found"},
		}
		db.Create(&history)
		return
	}

	// Execute task
	startTime := time.Now()
	result, err := handler(ctx, db, task)
	runtimeMs := time.Since(startTime).Milliseconds()

	status := "success"
	resultData := result
	if err != nil {
		status = "failure"
		resultData = map[string]interface{}{"error": err.Error()}
		if len(result) > 0 {
			resultData["partial"] = result
		}
		log.Printf("Task %s failed: %v", task.TaskName, err)
	} else {
		log.Printf("Task %s completed successfully.", task.TaskName)
	}

	history := models.ScheduledTaskHistory{
		ScheduledTaskID: task.ID,
		TaskName:        task.TaskName,
		RunAt:           startTime,
		RuntimeMs:       runtimeMs,
		Status:          status,
		AttemptNumber:   curAttempt,
		Arguments:       task.Arguments,
		Result:          resultData,
	}
	db.Create(&history)

	taskUpdates := map[string]interface{}{
		"last_run": &startTime,
	}

	if status != "success" {
		if curAttempt < task.MaxAttempt {
			executeTask(ctx, db, task, curAttempt+1)
			return
		}
		// Attempts exhausted. A recurring task stays armed for its next
		// occurrence instead of dying on one bad run.
		if task.TaskType == models.ScheduledTaskTypeRecurring {
			nextDue := task.NextDueAfter(time.Now())
			if nextDue.After(task.Due) {
				taskUpdates["due"] = nextDue
			} else {
				taskUpdates["status"] = models.ScheduledTaskStatusFailure
			}
		} else {
			taskUpdates["status"] = models.ScheduledTaskStatusFailure
		}
	} else {
		switch task.TaskType {
		case models.ScheduledTaskTypeOneTime:
			taskUpdates["status"] = models.ScheduledTaskStatusDone
		case models.ScheduledTaskTypeRecurring:
			nextDue := task.NextDueAfter(time.Now())
			// The next due must move forward, otherwise the task would fire
			// again on every tick.
			if nextDue.After(task.Due) {
				taskUpdates["due"] = nextDue
			} else {
				taskUpdates["status"] = models.ScheduledTaskStatusDone
			}
		}
	}

	db.Model(&task).Updates(taskUpdates)
}
