// Package runtime owns the process-wide resources (config manager, logger,
// shared store client, embedded durable store) and hands them to the
// components wired at startup.
package runtime
