package conversation

import "context"

// RecordDirectory answers whether a patient record exists. It is read-only;
// the review panel never writes clinical data.
type RecordDirectory interface {
	Exists(ctx context.Context, recordID string) (bool, error)
}

// openDirectory accepts every non-empty record ID. It is used when no
// database is configured and the explanation service is the only authority.
type openDirectory struct{}

func NewOpenDirectory() RecordDirectory {
	return openDirectory{}
}

func (openDirectory) Exists(_ context.Context, recordID string) (bool, error) {
	return recordID != "", nil
}
