package tasks

// DefineTasks registers all available tasks
func DefineTasks() {
	// Register loan book-keeping tasks
	RegisterHandler(ReconcileRepaymentsTask.TaskID(), ReconcileRepaymentsTask.HandleExecution)

	// Register payment tasks
	RegisterHandler(SweepStalePaymentsTask.TaskID(), SweepStalePaymentsTask.HandleExecution)

	// Register notification tasks
	RegisterHandler(SendRepaymentRemindersTask.TaskID(), SendRepaymentRemindersTask.HandleExecution)
	RegisterHandler(SendNotificationTask.TaskID(), SendNotificationTask.HandleExecution)
}
