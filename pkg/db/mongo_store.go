package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"podcast-ads/pkg/domain"
)

const (
	// JobsCollection holds one document per AdJob.
	JobsCollection = "ad_jobs"
	// WindowsCollection holds one document per window row.
	WindowsCollection = "ad_job_windows"
)

// MongoStore persists jobs and window rows in MongoDB.
type MongoStore struct {
	jobs    *mongo.Collection
	windows *mongo.Collection
	now     func() time.Time
}

// NewMongoStore returns a store using the ad job collections of client.
func NewMongoStore(client *Client) (*MongoStore, error) {
	if client == nil {
		return nil, fmt.Errorf("mongo client is required")
	}
	jobs := client.Collection(JobsCollection)
	windows := client.Collection(WindowsCollection)
	if jobs == nil || windows == nil {
		return nil, ErrNotConnected
	}
	return &MongoStore{jobs: jobs, windows: windows, now: time.Now}, nil
}

// EnsureIndexes creates the indexes the store's queries rely on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.windows.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "job_id", Value: 1}, {Key: "index", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create window index: %w", err)
	}

	_, err = s.jobs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "episode_id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create job indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) CreateJob(ctx context.Context, job *domain.AdJob) (string, error) {
	job.ID = uuid.New().String()
	if _, err := s.jobs.InsertOne(ctx, job); err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return job.ID, nil
}

func (s *MongoStore) GetJob(ctx context.Context, id string) (*domain.AdJob, error) {
	var job domain.AdJob
	err := s.jobs.FindOne(ctx, bson.M{"_id": id}).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("find job: %w", err)
	}
	return &job, nil
}

func (s *MongoStore) UpdateJob(ctx context.Context, id string, patch domain.JobPatch) error {
	res, err := s.jobs.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": patchDocument(patch, s.now())})
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return nil
}

// ReplaceWindows deletes the job's rows and inserts rows. The two steps
// are not atomic; a crash in between leaves the job without windows and
// the re-delivered transcribe stage rewrites them.
func (s *MongoStore) ReplaceWindows(ctx context.Context, jobID string, rows []domain.WindowRow) error {
	if _, err := s.windows.DeleteMany(ctx, bson.M{"job_id": jobID}); err != nil {
		return fmt.Errorf("delete windows: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}

	docs := make([]interface{}, len(rows))
	for i, r := range rows {
		r.JobID = jobID
		docs[i] = r
	}
	if _, err := s.windows.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false)); err != nil {
		return fmt.Errorf("insert windows: %w", err)
	}
	return nil
}

func (s *MongoStore) ListWindows(ctx context.Context, jobID string) ([]domain.WindowRow, error) {
	cursor, err := s.windows.Find(ctx, bson.M{"job_id": jobID}, options.Find().SetSort(bson.D{{Key: "index", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("query windows: %w", err)
	}
	defer cursor.Close(ctx)

	rows := make([]domain.WindowRow, 0)
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("decode windows: %w", err)
	}
	return rows, nil
}

func (s *MongoStore) UpdateWindowLabel(ctx context.Context, jobID string, index int, c domain.Classification) error {
	filter := bson.M{"job_id": jobID, "index": index}
	update := bson.M{"$set": bson.M{"label": c.Label, "confidence": c.Confidence}}

	res, err := s.windows.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("update window label: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: job %s window %d", ErrWindowNotFound, jobID, index)
	}
	return nil
}

// ListJobsByStatus returns jobs with the given status, oldest first.
func (s *MongoStore) ListJobsByStatus(ctx context.Context, status domain.JobStatus) ([]domain.AdJob, error) {
	cursor, err := s.jobs.Find(ctx, bson.M{"status": status}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer cursor.Close(ctx)

	jobs := make([]domain.AdJob, 0)
	for cursor.Next(ctx) {
		var job domain.AdJob
		if err := cursor.Decode(&job); err != nil {
			continue // Skip invalid documents
		}
		jobs = append(jobs, job)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return jobs, nil
}

// ExistingEpisodeIDs returns which of episodeIDs already have a job that is
// not failed.
func (s *MongoStore) ExistingEpisodeIDs(ctx context.Context, episodeIDs []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	if len(episodeIDs) == 0 {
		return existing, nil
	}

	filter := bson.M{
		"episode_id": bson.M{"$in": episodeIDs},
		"status":     bson.M{"$ne": domain.JobStatusFailed},
	}
	cursor, err := s.jobs.Find(ctx, filter, options.Find().SetProjection(bson.M{"episode_id": 1, "_id": 0}))
	if err != nil {
		return nil, fmt.Errorf("query episode ids: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var result struct {
			EpisodeID string `bson:"episode_id"`
		}
		if err := cursor.Decode(&result); err != nil {
			continue
		}
		if result.EpisodeID != "" {
			existing[result.EpisodeID] = true
		}
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return existing, nil
}

// patchDocument translates a JobPatch into a $set document holding only
// the fields the patch carries.
func patchDocument(p domain.JobPatch, now time.Time) bson.M {
	set := bson.M{"updated_at": now}
	if p.Status != "" {
		set["status"] = p.Status
	}
	if p.WindowCount != nil {
		set["window_count"] = *p.WindowCount
	}
	if p.Segments != nil {
		set["segments"] = p.Segments
	}
	if p.Error != "" {
		set["error"] = p.Error
	}
	if p.CompletedAt != nil {
		set["completed_at"] = *p.CompletedAt
	}
	if p.FailedAt != nil {
		set["failed_at"] = *p.FailedAt
	}
	return set
}
