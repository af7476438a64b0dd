package main

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

const userSelect = `
	SELECT id, name, email, role, department, designation, location, password_hash, password_version, created_at, updated_at
	FROM users
`

func scanUser(scanner rowScanner) (User, error) {
	var user User
	var department, designation, location sql.NullString
	var createdAt, updatedAt time.Time
	if err := scanner.Scan(
		&user.ID,
		&user.Name,
		&user.Email,
		&user.Role,
		&department,
		&designation,
		&location,
		&user.PasswordHash,
		&user.PasswordVersion,
		&createdAt,
		&updatedAt,
	); err != nil {
		return User{}, err
	}
	user.Department = nullStringPtr(department)
	user.Designation = nullStringPtr(designation)
	user.Location = nullStringPtr(location)
	user.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	user.UpdatedAt = updatedAt.UTC().Format(time.RFC3339)
	return user, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func (s *sqlStore) CreateUser(ctx context.Context, input NewUser) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (name, email, password_hash, role, department, designation, location)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, name, email, role, department, designation, location, password_hash, password_version, created_at, updated_at
	`, input.Name, input.Email, input.PasswordHash, input.Role, input.Department, input.Designation, input.Location)
	user, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, errEmailTaken
		}
		return User{}, err
	}
	return user, nil
}

func (s *sqlStore) getUser(ctx context.Context, where string, arg any) (*User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, userSelect+where, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &user, nil
}

func (s *sqlStore) GetUserByID(ctx context.Context, id int) (*User, error) {
	return s.getUser(ctx, ` WHERE id = $1`, id)
}

func (s *sqlStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUser(ctx, ` WHERE email = $1`, email)
}

func (s *sqlStore) UpdatePasswordHash(ctx context.Context, userID int, hash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $1, password_version = password_version + 1, updated_at = NOW()
		WHERE id = $2
	`, hash, userID)
	return err
}

func (s *sqlStore) UpsertAdmin(ctx context.Context, name, email, hash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (name, email, password_hash, role)
		VALUES ($1, $2, $3, 'admin')
		ON CONFLICT (email)
		DO UPDATE SET
			password_hash = EXCLUDED.password_hash,
			role = 'admin',
			updated_at = NOW()
	`, name, email, hash)
	return err
}

func (s *sqlStore) ListStaff(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, userSelect+` WHERE role IN ('official', 'admin') ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *sqlStore) ListDepartments(ctx context.Context) ([]Department, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, contact_email, contact_phone, is_active
		FROM departments
		WHERE is_active = TRUE
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	departments := make([]Department, 0)
	for rows.Next() {
		dept, err := scanDepartment(rows)
		if err != nil {
			return nil, err
		}
		departments = append(departments, dept)
	}
	return departments, rows.Err()
}

func scanDepartment(scanner rowScanner) (Department, error) {
	var dept Department
	var email, phone sql.NullString
	if err := scanner.Scan(&dept.ID, &dept.Name, &email, &phone, &dept.IsActive); err != nil {
		return Department{}, err
	}
	dept.ContactEmail = nullStringPtr(email)
	dept.ContactPhone = nullStringPtr(phone)
	return dept, nil
}

func (s *sqlStore) getDepartment(ctx context.Context, where string, arg any) (*Department, error) {
	dept, err := scanDepartment(s.db.QueryRowContext(ctx, `
		SELECT id, name, contact_email, contact_phone, is_active
		FROM departments
	`+where, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &dept, nil
}

func (s *sqlStore) GetDepartmentByName(ctx context.Context, name string) (*Department, error) {
	return s.getDepartment(ctx, ` WHERE name = $1`, name)
}

func (s *sqlStore) GetDepartmentByID(ctx context.Context, id int) (*Department, error) {
	return s.getDepartment(ctx, ` WHERE id = $1`, id)
}
