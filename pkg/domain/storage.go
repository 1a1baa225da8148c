package domain

// ---------------------------------------------------------------------------
// Storage collaborator contract
// ---------------------------------------------------------------------------

// StorageError is a typed error for storage operations.
type StorageError string

func (e StorageError) Error() string { return string(e) }

const (
	ErrRecordNotFound StorageError = "record not found"
	ErrEmptyRecordID  StorageError = "record id cannot be empty"
)

// TeamRecord is the persisted state for a workspace/team the bot has
// been installed into.
type TeamRecord struct {
	ID        string   `json:"id"`
	Name      string   `json:"name,omitempty"`
	Token     string   `json:"token,omitempty"`
	Metadata  Metadata `json:"metadata,omitempty"`
	UpdatedAt Timestamp `json:"updated_at"`
}

// UserRecord is the persisted state for an individual user, including
// variables captured by completed conversations.
type UserRecord struct {
	ID        string   `json:"id"`
	Name      string   `json:"name,omitempty"`
	TeamID    string   `json:"team_id,omitempty"`
	Vars      Metadata `json:"vars,omitempty"`
	UpdatedAt Timestamp `json:"updated_at"`
}

// Collection is the persistence contract for one record type. Semantics
// are last-write-wins; no transactions are required of implementations.
type Collection[R any] interface {
	// Get returns the record stored under id.
	Get(id string) (*R, error)
	// Save stores the record under its own id, replacing any prior value.
	Save(record *R) error
	// Delete removes the record stored under id.
	Delete(id string) error
	// All returns every stored record in unspecified order.
	All() ([]*R, error)
	// Update applies fn to the record under id (a zero record if absent)
	// and persists the result as a single atomic read-modify-write, so
	// two racing updates for the same key cannot lose writes.
	Update(id string, fn func(*R) error) error
}

// Storage exposes the two collections the core requires.
type Storage interface {
	Teams() Collection[TeamRecord]
	Users() Collection[UserRecord]
	Close() error
}
