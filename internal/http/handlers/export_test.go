package handlers

// JobResponse exposes the response type to the external test package.
type JobResponse = jobResponse
