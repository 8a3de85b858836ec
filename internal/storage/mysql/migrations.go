package mysql

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"AgentPay-Chain/deploy/migrations"
)

var embeddedMigrations fs.FS = migrations.Files

const (
	// migrationLock 是 MySQL 命名锁，多个实例同时启动时只有一个执行迁移。
	migrationLock        = "agentpay.session_secrets.schema"
	migrationLockSeconds = 30
)

type migrationFile struct {
	version    string
	name       string
	checksum   string
	statements []string
}

// runMigrations 在同一连接上持有命名锁并依次应用未执行的迁移。
// 已应用迁移的内容被改动，或数据库中存在程序不认识的版本时返回错误。
func runMigrations(ctx context.Context, db *sql.DB) error {
	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		return err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("获取迁移连接失败: %w", err)
	}
	defer conn.Close()

	if err := acquireMigrationLock(ctx, conn); err != nil {
		return err
	}
	defer releaseMigrationLock(context.WithoutCancel(ctx), conn)

	if _, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        checksum CHAR(64) NOT NULL,
        applied_at BIGINT NOT NULL
)`); err != nil {
		return fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}

	applied, err := loadAppliedVersions(ctx, conn)
	if err != nil {
		return err
	}
	if err := verifyApplied(applied, files); err != nil {
		return err
	}

	for _, migration := range files {
		if _, ok := applied[migration.version]; ok {
			continue
		}
		if err := applyMigration(ctx, conn, migration); err != nil {
			return err
		}
	}
	return nil
}

func acquireMigrationLock(ctx context.Context, conn *sql.Conn) error {
	var got sql.NullInt64
	if err := conn.QueryRowContext(ctx, `SELECT GET_LOCK(?, ?)`, migrationLock, migrationLockSeconds).Scan(&got); err != nil {
		return fmt.Errorf("获取迁移锁失败: %w", err)
	}
	if !got.Valid || got.Int64 != 1 {
		return fmt.Errorf("等待迁移锁超时: 其他实例正在执行迁移")
	}
	return nil
}

func releaseMigrationLock(ctx context.Context, conn *sql.Conn) {
	var released sql.NullInt64
	_ = conn.QueryRowContext(ctx, `SELECT RELEASE_LOCK(?)`, migrationLock).Scan(&released)
}

// loadAppliedVersions 返回 版本 -> 校验和。
func loadAppliedVersions(ctx context.Context, conn *sql.Conn) (map[string]string, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("查询 schema_migrations 失败: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("解析 schema_migrations 失败: %w", err)
		}
		applied[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 schema_migrations 失败: %w", err)
	}
	return applied, nil
}

func verifyApplied(applied map[string]string, files []migrationFile) error {
	known := make(map[string]struct{}, len(files))
	for _, migration := range files {
		known[migration.version] = struct{}{}
		checksum, ok := applied[migration.version]
		if ok && checksum != migration.checksum {
			return fmt.Errorf("迁移 %s 在应用后被修改", migration.name)
		}
	}

	var unknown []string
	for version := range applied {
		if _, ok := known[version]; !ok {
			unknown = append(unknown, version)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("数据库结构版本 %s 高于当前程序，拒绝启动", strings.Join(unknown, ","))
	}
	return nil
}

// applyMigration 在事务内执行语句并登记版本。MySQL 的 DDL 会隐式提交，
// 因此同一迁移文件中的 DDL 语句需保持幂等。
func applyMigration(ctx context.Context, conn *sql.Conn, migration migrationFile) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}

	for _, stmt := range migration.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("执行迁移 %s 失败: %w", migration.name, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?)`,
		migration.version, migration.checksum, time.Now().Unix()); err != nil {
		tx.Rollback()
		return fmt.Errorf("记录迁移版本失败: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移事务失败: %w", err)
	}
	return nil
}

func loadMigrationFiles(fsys fs.FS) ([]migrationFile, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}

	var files []migrationFile
	seen := make(map[string]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || path.Ext(name) != ".sql" {
			continue
		}
		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		statements := splitSQLStatements(string(content))
		if len(statements) == 0 {
			continue
		}

		version := parseMigrationVersion(name)
		if other, ok := seen[version]; ok {
			return nil, fmt.Errorf("迁移文件 %s 与 %s 版本号重复", name, other)
		}
		seen[version] = name

		sum := sha256.Sum256(content)
		files = append(files, migrationFile{
			version:    version,
			name:       name,
			checksum:   hex.EncodeToString(sum[:]),
			statements: statements,
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

// splitSQLStatements 按分号切分语句，并忽略以 -- 开头的注释行。
func splitSQLStatements(content string) []string {
	var body strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}

	var statements []string
	for _, stmt := range strings.Split(body.String(), ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

func parseMigrationVersion(name string) string {
	if idx := strings.IndexRune(name, '_'); idx > 0 {
		return name[:idx]
	}
	if dot := strings.IndexRune(name, '.'); dot > 0 {
		return name[:dot]
	}
	return name
}
