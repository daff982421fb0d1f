// Package media fetches, probes, and transcodes source videos into clips.
//
// The concrete tools (yt-dlp, ffprobe, ffmpeg) run as subprocesses behind the
// Fetcher, Prober, and Transcoder interfaces so the worker can be tested with
// fakes. SourceCache keeps downloaded sources in the scratch directory and
// Executor bounds concurrent transcodes.
package media
