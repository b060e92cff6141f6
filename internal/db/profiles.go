package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidProfile is returned for a profile missing its name or
// member ID.
var ErrInvalidProfile = errors.New("profile needs a name and a member id")

// Profile is a known person faces are matched against. Embedding is
// the face embedding of the reference image.
type Profile struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	MemberID       string    `json:"member_id"`
	Department     string    `json:"department,omitempty"`
	Email          string    `json:"email,omitempty"`
	Phone          string    `json:"phone,omitempty"`
	AdditionalInfo string    `json:"additional_info,omitempty"`
	ImageName      string    `json:"image_name,omitempty"`
	Embedding      []float64 `json:"embedding,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (p Profile) validate() error {
	if strings.TrimSpace(p.Name) == "" || strings.TrimSpace(p.MemberID) == "" {
		return ErrInvalidProfile
	}
	return nil
}

// InsertProfile stores p under a new ID and returns it.
func (db *DB) InsertProfile(ctx context.Context, p Profile) (Profile, error) {
	if err := p.validate(); err != nil {
		return Profile{}, err
	}
	emb, err := json.Marshal(embeddingOrEmpty(p.Embedding))
	if err != nil {
		return Profile{}, fmt.Errorf("failed to marshal embedding: %w", err)
	}
	p.ID = uuid.NewString()
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err = db.ExecContext(ctx, `
		INSERT INTO profiles (
			id, name, member_id, department, email, phone, additional_info,
			image_name, embedding, created_at_ns, updated_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.Name, p.MemberID, p.Department, p.Email, p.Phone, p.AdditionalInfo,
		p.ImageName, string(emb), now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return Profile{}, fmt.Errorf("failed to insert profile: %w", err)
	}
	return p, nil
}

// UpdateProfile replaces the details of an existing profile. A nil
// Embedding keeps the stored one.
func (db *DB) UpdateProfile(ctx context.Context, p Profile) error {
	if err := p.validate(); err != nil {
		return err
	}
	query := `UPDATE profiles SET
		name = ?, member_id = ?, department = ?, email = ?, phone = ?,
		additional_info = ?, image_name = ?, updated_at_ns = ?`
	args := []any{p.Name, p.MemberID, p.Department, p.Email, p.Phone, p.AdditionalInfo, p.ImageName, time.Now().UnixNano()}
	if p.Embedding != nil {
		emb, err := json.Marshal(p.Embedding)
		if err != nil {
			return fmt.Errorf("failed to marshal embedding: %w", err)
		}
		query += ", embedding = ?"
		args = append(args, string(emb))
	}
	query += " WHERE id = ?"
	args = append(args, p.ID)

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("profile %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

const profileColumns = `
	id, name, member_id, department, email, phone, additional_info,
	image_name, embedding, created_at_ns, updated_at_ns`

func scanProfile(row rowScanner) (Profile, error) {
	var (
		p                Profile
		emb              string
		created, updated int64
	)
	err := row.Scan(
		&p.ID, &p.Name, &p.MemberID, &p.Department, &p.Email, &p.Phone, &p.AdditionalInfo,
		&p.ImageName, &emb, &created, &updated,
	)
	if err != nil {
		return Profile{}, err
	}
	if err := json.Unmarshal([]byte(emb), &p.Embedding); err != nil {
		return Profile{}, fmt.Errorf("profile %s embedding: %w", p.ID, err)
	}
	p.CreatedAt = time.Unix(0, created)
	p.UpdatedAt = time.Unix(0, updated)
	return p, nil
}

// GetProfile returns one profile by ID.
func (db *DB) GetProfile(ctx context.Context, id string) (Profile, error) {
	p, err := scanProfile(db.QueryRowContext(ctx, "SELECT"+profileColumns+" FROM profiles WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, fmt.Errorf("profile %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Profile{}, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

// Profiles returns the profiles whose name, member ID or department
// contains search, ordered by name. An empty search returns all.
func (db *DB) Profiles(ctx context.Context, search string) ([]Profile, error) {
	query := "SELECT" + profileColumns + " FROM profiles"
	var args []any
	if search != "" {
		pattern := "%" + escapeLike(search) + "%"
		query += ` WHERE name LIKE ? ESCAPE '\' OR member_id LIKE ? ESCAPE '\' OR department LIKE ? ESCAPE '\'`
		args = append(args, pattern, pattern, pattern)
	}
	query += " ORDER BY name, id"

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteProfile removes one profile.
func (db *DB) DeleteProfile(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, "DELETE FROM profiles WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("profile %s: %w", id, ErrNotFound)
	}
	return nil
}

func embeddingOrEmpty(v []float64) []float64 {
	if v == nil {
		return []float64{}
	}
	return v
}
