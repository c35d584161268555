/*
Package log provides zerolog-backed structured logging shared by every
component of the runner. Call Init once at process start, then derive
child loggers with WithComponent/WithExecutionID/WithRunID/WithToolID so
every log line from one execution carries the same correlation fields.
*/
package log
