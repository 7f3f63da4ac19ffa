package s3

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/marmos91/edgeflow/pkg/claim"
)

// List returns every claim stored under the key prefix.
//
// Parameters:
//   - ctx: Context for cancellation and timeouts
//
// Returns:
//   - []claim.ID: Claims found; objects whose key is not a claim id are skipped
//   - error: Returns error for S3 failures or context cancellation
func (s *S3ContentStore) List(ctx context.Context) ([]claim.ID, error) {
	var ids []claim.ID
	err := s.listObjects(ctx, func(id claim.ID, _ int64) {
		ids = append(ids, id)
	})
	return ids, err
}

func (s *S3ContentStore) listObjects(ctx context.Context, fn func(claim.ID, int64)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.keyPrefix),
	})

	for paginator.HasMorePages() {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list objects: %w", err)
		}

		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			id, ok := s.parseObjectKey(*obj.Key)
			if !ok {
				s.log.Debug("Ignoring foreign object %s", *obj.Key)
				continue
			}
			fn(id, aws.ToInt64(obj.Size))
		}
	}

	return nil
}

// RemoveBatch removes multiple claims with DeleteObjects.
//
// S3 supports batch deletes of up to 1000 objects at a time. This
// implementation automatically chunks larger batches.
//
// Returns:
//   - map[claim.ID]error: Failed deletions (empty = all succeeded)
//   - error: Returns error for context cancellation
func (s *S3ContentStore) RemoveBatch(ctx context.Context, ids []claim.ID) (map[claim.ID]error, error) {
	failures := make(map[claim.ID]error)

	// S3 allows max 1000 objects per delete request
	const maxBatchSize = 1000

	for i := 0; i < len(ids); i += maxBatchSize {
		if err := ctx.Err(); err != nil {
			for j := i; j < len(ids); j++ {
				failures[ids[j]] = err
			}
			return failures, err
		}

		end := min(i+maxBatchSize, len(ids))
		batch := ids[i:end]

		objects := make([]types.ObjectIdentifier, len(batch))
		for j, id := range batch {
			objects[j] = types.ObjectIdentifier{
				Key: aws.String(s.getObjectKey(id)),
			}
		}

		result, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{
				Objects: objects,
				Quiet:   aws.Bool(false),
			},
		})
		if err != nil {
			for _, id := range batch {
				failures[id] = err
			}
			continue
		}

		for _, deleteErr := range result.Errors {
			if deleteErr.Key == nil {
				continue
			}
			id, ok := s.parseObjectKey(*deleteErr.Key)
			if !ok {
				continue
			}

			errMsg := "unknown error"
			if deleteErr.Code != nil && deleteErr.Message != nil {
				errMsg = fmt.Sprintf("%s: %s", *deleteErr.Code, *deleteErr.Message)
			}
			failures[id] = errors.New(errMsg)
		}
	}

	return failures, nil
}
