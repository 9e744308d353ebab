package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"quillsync/api/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	if user.ID == "" {
		user.ID = util.NewID("usr")
	}
	user.Email = normalizeEmail(user.Email)
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash).Scan(&user.CreatedAt, &user.UpdatedAt)
	if isUniqueViolation(err) {
		return User{}, ErrEmailTaken
	}
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at, updated_at
		FROM users WHERE id=$1
	`, userID))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at, updated_at
		FROM users WHERE LOWER(email)=$1
	`, normalizeEmail(email)))
}

func (s *PostgresStore) scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("read user: %w", err)
	}
	return user, nil
}

// Documents

const documentColumns = `id, title, content, creator_id, COALESCE(last_modified_by, ''), created_at, updated_at`

func (s *PostgresStore) FindByTitle(ctx context.Context, title string) (Document, error) {
	return s.readDocument(ctx, s.db, `SELECT `+documentColumns+` FROM documents WHERE title=$1`, title)
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	return s.readDocument(ctx, s.db, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, documentID)
}

// Create inserts a document with an empty body and the creator as the only
// member. A title already in use yields ErrConflict.
func (s *PostgresStore) Create(ctx context.Context, title, creatorID string) (Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Document{}, fmt.Errorf("begin create document: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	doc := Document{
		ID:             util.NewID("doc"),
		Title:          title,
		Content:        EmptyContent,
		Access:         newAccessList(creatorID),
		LastModifiedBy: creatorID,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO documents (id, title, content, creator_id, last_modified_by)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (title) DO NOTHING
		RETURNING created_at, updated_at
	`, doc.ID, doc.Title, string(doc.Content), creatorID).Scan(&doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrConflict
	}
	if err != nil {
		return Document{}, fmt.Errorf("insert document: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_documents (user_id, document_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, creatorID, doc.ID); err != nil {
		return Document{}, fmt.Errorf("index document for creator: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Document{}, fmt.Errorf("commit create document: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) FindOrCreate(ctx context.Context, title, userID string) (Document, bool, error) {
	return findOrCreate(ctx, s, title, userID)
}

func (s *PostgresStore) UpdateContent(ctx context.Context, documentID string, content json.RawMessage, modifierID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET content=$2, last_modified_by=$3, updated_at=clock_timestamp()
		WHERE id=$1
	`, documentID, string(content), modifierID)
	if err != nil {
		return fmt.Errorf("update content: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update content rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// MutateAccess moves targetUserID into grant's tier. The member table's
// primary key keeps a single role per user, so the upsert both removes the
// user from the other tier and adds it to the new one.
func (s *PostgresStore) MutateAccess(ctx context.Context, documentID, targetUserID string, grant Grant) error {
	if !grant.Valid() {
		return ErrInvalidGrant
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mutate access: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var creatorID string
	err = tx.QueryRowContext(ctx, `SELECT creator_id FROM documents WHERE id=$1 FOR UPDATE`, documentID).Scan(&creatorID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock document: %w", err)
	}
	if creatorID == targetUserID {
		return ErrInvalidGrant
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO document_members (document_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (document_id, user_id) DO UPDATE SET role=EXCLUDED.role, granted_at=NOW()
		WHERE document_members.role <> EXCLUDED.role
	`, documentID, targetUserID, string(grant)); err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_documents (user_id, document_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, targetUserID, documentID); err != nil {
		return fmt.Errorf("index document for member: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit mutate access: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, documentID)
	if err != nil {
		return false, fmt.Errorf("delete document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete document rows: %w", err)
	}
	return affected > 0, nil
}

// ListDocumentsForUser returns the user's membership index, most recently
// updated first.
func (s *PostgresStore) ListDocumentsForUser(ctx context.Context, userID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.title, d.content, d.creator_id, COALESCE(d.last_modified_by, ''), d.created_at, d.updated_at
		FROM user_documents ud
		JOIN documents d ON d.id = ud.document_id
		WHERE ud.user_id=$1
		ORDER BY d.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		item, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}

	for i := range items {
		if err := s.loadAccess(ctx, s.db, &items[i]); err != nil {
			return nil, err
		}
	}
	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var doc Document
	var content string
	if err := row.Scan(&doc.ID, &doc.Title, &content, &doc.Access.Creator, &doc.LastModifiedBy, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, fmt.Errorf("scan document: %w", err)
	}
	doc.Content = json.RawMessage(content)
	return doc, nil
}

func (s *PostgresStore) readDocument(ctx context.Context, q queryer, query string, arg string) (Document, error) {
	doc, err := scanDocument(q.QueryRowContext(ctx, query, arg))
	if err != nil {
		return Document{}, err
	}
	if err := s.loadAccess(ctx, q, &doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func (s *PostgresStore) loadAccess(ctx context.Context, q queryer, doc *Document) error {
	rows, err := q.QueryContext(ctx, `
		SELECT user_id, role FROM document_members
		WHERE document_id=$1
		ORDER BY granted_at, user_id
	`, doc.ID)
	if err != nil {
		return fmt.Errorf("load access: %w", err)
	}
	defer rows.Close()

	doc.Access.Editors = []string{}
	doc.Access.Viewers = []string{}
	for rows.Next() {
		var userID, role string
		if err := rows.Scan(&userID, &role); err != nil {
			return fmt.Errorf("scan member: %w", err)
		}
		switch Grant(role) {
		case GrantEditor:
			doc.Access.Editors = append(doc.Access.Editors, userID)
		case GrantViewer:
			doc.Access.Viewers = append(doc.Access.Viewers, userID)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate members: %w", err)
	}
	return nil
}
