package dbclient

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"

	"github.com/whisthq/whist/backend/placement-service/types"
	"github.com/whisthq/whist/backend/placement-service/utils"
)

const imageColumns = `region, client_sha, image_id, provider, enabled, allowed, active, updated_at`

func scanImage(row pgx.Row) (Image, error) {
	var image Image
	err := row.Scan(&image.Region, &image.ClientSHA, &image.ImageID, &image.Provider,
		&image.Enabled, &image.Allowed, &image.Active, &image.UpdatedAt)
	return image, err
}

func scanImages(rows pgx.Rows) ([]Image, error) {
	defer rows.Close()
	var images []Image
	for rows.Next() {
		image, err := scanImage(rows)
		if err != nil {
			return nil, utils.MakeError("couldn't scan image row: %s", err)
		}
		images = append(images, image)
	}
	return images, rows.Err()
}

// QueryActiveImage returns the unique enabled and active image of the given
// region, or ErrNotFound if the region has none.
func (c *DBClient) QueryActiveImage(ctx context.Context, region string) (Image, error) {
	row := c.pool.QueryRow(ctx, `SELECT `+imageColumns+`
		FROM whist.images WHERE region = $1 AND enabled AND active`, region)
	image, err := scanImage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Image{}, ErrNotFound
	} else if err != nil {
		return Image{}, utils.MakeError("couldn't query active image on %s: %s", region, err)
	}
	return image, nil
}

// VersionAllowed reports whether clients on the given commit hash are still
// accepted on the region.
func (c *DBClient) VersionAllowed(ctx context.Context, region string, clientSHA types.ClientSHA) (bool, error) {
	var allowed bool
	err := c.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM whist.images
		WHERE region = $1 AND client_sha = $2 AND allowed)`,
		region, string(clientSHA)).Scan(&allowed)
	if err != nil {
		return false, utils.MakeError("couldn't check if version %s is allowed on %s: %s", clientSHA, region, err)
	}
	return allowed, nil
}

// QueryEnabledImages returns every image new instances may be launched with,
// across all regions.
func (c *DBClient) QueryEnabledImages(ctx context.Context) ([]Image, error) {
	rows, err := c.pool.Query(ctx, `SELECT `+imageColumns+`
		FROM whist.images WHERE enabled ORDER BY region ASC`)
	if err != nil {
		return nil, utils.MakeError("couldn't query enabled images: %s", err)
	}
	return scanImages(rows)
}

// InsertImages adds catalog rows for a new client version. Rows come in
// allowed but neither enabled nor active; promotion is a separate step.
func (c *DBClient) InsertImages(ctx context.Context, images []Image) (int, error) {
	inserted := 0
	for _, image := range images {
		tag, err := c.pool.Exec(ctx, `INSERT INTO whist.images
			(region, client_sha, image_id, provider, enabled, allowed, active)
			VALUES ($1, $2, $3, $4, false, true, false)
			ON CONFLICT (region, client_sha) DO UPDATE
			SET image_id = EXCLUDED.image_id, allowed = true, updated_at = now()`,
			image.Region, string(image.ClientSHA), string(image.ImageID), image.Provider)
		if err != nil {
			return inserted, utils.MakeError("couldn't insert image %s on %s: %s", image.ImageID, image.Region, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// PromoteImages atomically makes the given client version the one placements
// select: in a single transaction, every region that has a row for the
// version loses its previous enabled/active flags and the new rows gain
// them. The partial unique index on (region) never sees two active rows.
func (c *DBClient) PromoteImages(ctx context.Context, clientSHA types.ClientSHA) (int, error) {
	promoted := 0
	err := c.withLockedTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE whist.images
			SET enabled = false, active = false, updated_at = now()
			WHERE (enabled OR active) AND client_sha != $1
			AND region IN (SELECT region FROM whist.images WHERE client_sha = $1)`,
			string(clientSHA)); err != nil {
			return utils.MakeError("couldn't demote superseded images: %s", err)
		}
		tag, err := tx.Exec(ctx, `UPDATE whist.images
			SET enabled = true, active = true, allowed = true, updated_at = now()
			WHERE client_sha = $1`, string(clientSHA))
		if err != nil {
			return utils.MakeError("couldn't promote images for version %s: %s", clientSHA, err)
		}
		promoted = int(tag.RowsAffected())
		if promoted == 0 {
			return ErrNotFound
		}
		return nil
	})
	return promoted, err
}

// RetireImages denies further clients on the given version. Rows that are
// still active are left alone; retiring the current version would brick the
// region.
func (c *DBClient) RetireImages(ctx context.Context, clientSHA types.ClientSHA) (int, error) {
	tag, err := c.pool.Exec(ctx, `UPDATE whist.images
		SET allowed = false, updated_at = now()
		WHERE client_sha = $1 AND NOT active`, string(clientSHA))
	if err != nil {
		return 0, utils.MakeError("couldn't retire images for version %s: %s", clientSHA, err)
	}
	return int(tag.RowsAffected()), nil
}

// EnabledRegions returns the regions that currently have an active image,
// sorted for stable output.
func (c *DBClient) EnabledRegions(ctx context.Context) ([]string, error) {
	rows, err := c.pool.Query(ctx, `SELECT region FROM whist.images
		WHERE enabled AND active ORDER BY region ASC`)
	if err != nil {
		return nil, utils.MakeError("couldn't query enabled regions: %s", err)
	}
	defer rows.Close()

	var regions []string
	for rows.Next() {
		var region string
		if err := rows.Scan(&region); err != nil {
			return nil, utils.MakeError("couldn't scan region row: %s", err)
		}
		regions = append(regions, region)
	}
	return regions, rows.Err()
}
