package types

import "time"

// Counts tallies items seen, handled successfully and failed
type Counts struct {
	Total     int64
	Processed int64
	Errored   int64
}

// Add accumulates o into c
func (c *Counts) Add(o Counts) {
	c.Total += o.Total
	c.Processed += o.Processed
	c.Errored += o.Errored
}

// CrawlStats summarises one worker's crawl. It is read-only once the crawl is done.
type CrawlStats struct {
	Dirs         Counts
	Files        Counts
	Records      int64
	Collisions   int64
	Shards       int64
	BytesRead    int64
	BytesWritten int64
	Elapsed      time.Duration
}

// Add accumulates o into s. Elapsed takes the maximum since workers run concurrently.
func (s *CrawlStats) Add(o CrawlStats) {
	s.Dirs.Add(o.Dirs)
	s.Files.Add(o.Files)
	s.Records += o.Records
	s.Collisions += o.Collisions
	s.Shards += o.Shards
	s.BytesRead += o.BytesRead
	s.BytesWritten += o.BytesWritten
	if o.Elapsed > s.Elapsed {
		s.Elapsed = o.Elapsed
	}
}

// HasErrors reports whether any directory or file failed
func (s CrawlStats) HasErrors() bool {
	return s.Dirs.Errored > 0 || s.Files.Errored > 0
}
