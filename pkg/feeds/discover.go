package feeds

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"podcast-ads/pkg/jobs"
)

// AudioResolver finds the audio file of an episode page.
type AudioResolver interface {
	ResolveAudio(ctx context.Context, pageURL string) (string, error)
}

// JobStarter starts an ad detection job.
type JobStarter interface {
	Start(ctx context.Context, req jobs.StartRequest) (string, error)
}

// Discoverer turns a feed into started jobs.
type Discoverer struct {
	parser   *Parser
	filters  []EpisodeFilter
	resolver AudioResolver
	starter  JobStarter
	logger   *logrus.Logger
}

// NewDiscoverer wires a discoverer. resolver may be nil, in which case
// episodes without an enclosure are skipped. starter may be nil when only
// Preview is used.
func NewDiscoverer(parser *Parser, starter JobStarter, resolver AudioResolver, logger *logrus.Logger, filters ...EpisodeFilter) *Discoverer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Discoverer{
		parser:   parser,
		filters:  filters,
		resolver: resolver,
		starter:  starter,
		logger:   logger,
	}
}

// Result maps started episode ids to job ids and lists skipped episodes.
type Result struct {
	Started map[string]string
	Skipped []string
}

// Run parses feedURL, applies the filters in order and starts a job per
// remaining episode. Per-episode failures are logged and skipped.
func (d *Discoverer) Run(ctx context.Context, feedURL string) (*Result, error) {
	episodes, err := d.parser.ParseURL(ctx, feedURL)
	if err != nil {
		return nil, err
	}
	return d.startAll(ctx, episodes)
}

// Preview parses feedURL and returns the episodes Run would try to start.
func (d *Discoverer) Preview(ctx context.Context, feedURL string) ([]Episode, error) {
	episodes, err := d.parser.ParseURL(ctx, feedURL)
	if err != nil {
		return nil, err
	}
	return d.filter(ctx, episodes)
}

func (d *Discoverer) filter(ctx context.Context, episodes []Episode) ([]Episode, error) {
	var err error
	for _, f := range d.filters {
		if episodes, err = f.Filter(ctx, episodes); err != nil {
			return nil, fmt.Errorf("filter episodes: %w", err)
		}
	}
	return episodes, nil
}

func (d *Discoverer) startAll(ctx context.Context, episodes []Episode) (*Result, error) {
	episodes, err := d.filter(ctx, episodes)
	if err != nil {
		return nil, err
	}
	if d.starter == nil {
		return nil, errors.New("discoverer has no job starter")
	}

	res := &Result{Started: make(map[string]string)}
	for _, ep := range episodes {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		log := d.logger.WithFields(logrus.Fields{"episode_id": ep.ID(), "title": ep.Title})

		if ep.AudioURL == "" {
			if d.resolver == nil {
				log.Warn("Episode has no audio enclosure")
				res.Skipped = append(res.Skipped, ep.ID())
				continue
			}
			audio, err := d.resolver.ResolveAudio(ctx, ep.Link)
			if err != nil {
				log.WithError(err).Warn("Failed to resolve episode audio")
				res.Skipped = append(res.Skipped, ep.ID())
				continue
			}
			ep.AudioURL = audio
		}

		jobID, err := d.starter.Start(ctx, jobs.StartRequest{
			EpisodeID: ep.ID(),
			AudioURL:  ep.AudioURL,
			Title:     ep.Title,
		})
		if err != nil {
			log.WithError(err).Error("Failed to start ad detection job")
			res.Skipped = append(res.Skipped, ep.ID())
			continue
		}
		log.WithField("job_id", jobID).Info("Started ad detection job")
		res.Started[ep.ID()] = jobID
	}
	return res, nil
}
