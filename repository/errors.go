package repository

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrVersionConflict 版本号不匹配，写入未生效
	ErrVersionConflict = errors.New("version conflict")
	// ErrDuplicateKey 唯一键冲突
	ErrDuplicateKey = errors.New("duplicate key")
)

const mysqlErrDuplicateEntry = 1062

// isDuplicateKey 兼容 mysql 与 sqlite 的唯一约束错误
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlErrDuplicateEntry {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
