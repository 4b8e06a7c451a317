package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/bakerst/bakerst/internal/brainerrors"
)

// CreateSkill inserts a skill row, validating tier requirements: tier 1
// requires a stdio command, tiers 2 and 3 require an HTTP URL.
func (s *Store) CreateSkill(ctx context.Context, skill *Skill) error {
	if err := validateSkill(skill); err != nil {
		return err
	}
	if skill.ID == "" {
		skill.ID = uuid.New().String()
	}
	if skill.Owner == "" {
		skill.Owner = SkillOwnerSystem
	}
	now := s.now()
	skill.CreatedAt = now
	skill.UpdatedAt = now

	config, args, tags, err := marshalSkillFields(skill)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO skills (id, name, version, description, tier, transport, enabled, config,
			stdio_command, stdio_args, http_url, instruction_path, instruction_content, owner, tags,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		skill.ID, skill.Name, skill.Version, skill.Description, skill.Tier, skill.Transport,
		boolToInt(skill.Enabled), config, skill.StdioCommand, args, skill.HTTPURL,
		skill.InstructionPath, skill.InstructionContent, skill.Owner, tags,
		formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to create skill: %w", err)
	}
	return nil
}

// UpdateSkill replaces the mutable fields of an existing skill.
func (s *Store) UpdateSkill(ctx context.Context, skill *Skill) error {
	if err := validateSkill(skill); err != nil {
		return err
	}
	config, args, tags, err := marshalSkillFields(skill)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE skills SET name = ?, version = ?, description = ?, tier = ?, transport = ?,
			enabled = ?, config = ?, stdio_command = ?, stdio_args = ?, http_url = ?,
			instruction_path = ?, instruction_content = ?, owner = ?, tags = ?, updated_at = ?
		WHERE id = ?`,
		skill.Name, skill.Version, skill.Description, skill.Tier, skill.Transport,
		boolToInt(skill.Enabled), config, skill.StdioCommand, args, skill.HTTPURL,
		skill.InstructionPath, skill.InstructionContent, skill.Owner, tags,
		formatTime(s.now()), skill.ID)
	if err != nil {
		return fmt.Errorf("failed to update skill: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("skill: %w", brainerrors.ErrNotFound)
	}
	return nil
}

// GetSkill fetches one skill by id.
func (s *Store) GetSkill(ctx context.Context, id string) (*Skill, error) {
	row := s.db.QueryRowContext(ctx, skillSelect+" WHERE id = ?", id)
	skill, err := scanSkill(row)
	if err != nil {
		return nil, err
	}
	return skill, nil
}

// ListSkills returns all skills; enabledOnly filters to enabled rows.
func (s *Store) ListSkills(ctx context.Context, enabledOnly bool) ([]*Skill, error) {
	query := skillSelect
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY name"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list skills: %w", err)
	}
	defer rows.Close()

	var skills []*Skill
	for rows.Next() {
		skill, err := scanSkill(rows)
		if err != nil {
			return nil, err
		}
		skills = append(skills, skill)
	}
	return skills, rows.Err()
}

// DeleteSkill removes a skill row.
func (s *Store) DeleteSkill(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM skills WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete skill: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("skill: %w", brainerrors.ErrNotFound)
	}
	return nil
}

func validateSkill(skill *Skill) error {
	if skill.Name == "" {
		return brainerrors.Validationf("skill name is required")
	}
	if skill.Tier < 0 || skill.Tier > 3 {
		return brainerrors.Validationf("skill tier must be 0-3, got %d", skill.Tier)
	}
	if skill.Tier == 1 && skill.StdioCommand == "" {
		return brainerrors.Validationf("tier-1 skill requires stdioCommand")
	}
	if skill.Tier >= 2 && skill.HTTPURL == "" {
		return brainerrors.Validationf("tier-%d skill requires httpUrl", skill.Tier)
	}
	return nil
}

const skillSelect = `
	SELECT id, name, version, description, tier, transport, enabled, config,
	       stdio_command, stdio_args, http_url, instruction_path, instruction_content,
	       owner, tags, created_at, updated_at
	FROM skills`

func scanSkill(row interface{ Scan(...any) error }) (*Skill, error) {
	var skill Skill
	var enabled int
	var config, args, tags, createdAt, updatedAt string
	err := row.Scan(&skill.ID, &skill.Name, &skill.Version, &skill.Description, &skill.Tier,
		&skill.Transport, &enabled, &config, &skill.StdioCommand, &args, &skill.HTTPURL,
		&skill.InstructionPath, &skill.InstructionContent, &skill.Owner, &tags,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("skill: %w", brainerrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan skill: %w", err)
	}
	skill.Enabled = enabled != 0
	skill.CreatedAt = parseTime(createdAt)
	skill.UpdatedAt = parseTime(updatedAt)
	if config != "" {
		_ = json.Unmarshal([]byte(config), &skill.Config)
	}
	if args != "" {
		_ = json.Unmarshal([]byte(args), &skill.StdioArgs)
	}
	if tags != "" {
		_ = json.Unmarshal([]byte(tags), &skill.Tags)
	}
	return &skill, nil
}

func marshalSkillFields(skill *Skill) (config, args, tags string, err error) {
	configBytes, err := json.Marshal(orEmptyMap(skill.Config))
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal skill config: %w", err)
	}
	argBytes, err := json.Marshal(orEmptySlice(skill.StdioArgs))
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal skill args: %w", err)
	}
	tagBytes, err := json.Marshal(orEmptySlice(skill.Tags))
	if err != nil {
		return "", "", "", fmt.Errorf("failed to marshal skill tags: %w", err)
	}
	return string(configBytes), string(argBytes), string(tagBytes), nil
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
