package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// DistrictsRepository 区域成员参考数据仓库
// district_pincodes 表维护区域到成员 pincode 的映射，由周边工具导入
type DistrictsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDistrictsRepository 创建区域仓库
func NewDistrictsRepository(db *sql.DB, logger *zap.Logger) *DistrictsRepository {
	return &DistrictsRepository{
		db:     db,
		logger: logger,
	}
}

// MembersOf 查询区域的成员 pincode（排序返回）
// 区域不存在时返回空列表，不算错误
func (r *DistrictsRepository) MembersOf(ctx context.Context, districtID string) ([]string, error) {
	if districtID == "" {
		return nil, fmt.Errorf("district_id is required")
	}

	query := `
		SELECT pincode
		FROM district_pincodes
		WHERE district_id = $1
		ORDER BY pincode
	`

	rows, err := r.db.QueryContext(ctx, query, districtID)
	if err != nil {
		return nil, fmt.Errorf("failed to query district members: %w", err)
	}
	defer rows.Close()

	pincodes := []string{}
	for rows.Next() {
		var pincode string
		if err := rows.Scan(&pincode); err != nil {
			return nil, fmt.Errorf("failed to scan district member: %w", err)
		}
		pincodes = append(pincodes, pincode)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate district members: %w", err)
	}

	return pincodes, nil
}
