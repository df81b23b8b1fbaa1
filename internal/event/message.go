package event

// BatchJobMessage is the payload of a batch_jobs queue message, published
// when a client uploads a JSONL batch for ingestion.
type BatchJobMessage struct {
	BatchID         string `json:"batch_id"`
	ObjectName      string `json:"object_name"`
	BucketName      string `json:"bucket_name"`
	UploadTimestamp string `json:"upload_timestamp"`
}

// TaskMessage is the payload of a tasks queue message: just enough to look
// the event back up in the event store, which remains the source of truth
// for everything else about the task.
type TaskMessage struct {
	MessageID string `json:"message_id"`
	BatchID   string `json:"batch_id"`
}
