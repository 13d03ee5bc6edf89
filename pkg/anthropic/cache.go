package anthropic

// CachedSystem builds a single system block with an ephemeral cache
// breakpoint. Stages send the same instructions for every record, so the
// prompt prefix is reused across a batch.
func CachedSystem(text, ttl string) []SystemBlock {
	if text == "" {
		return nil
	}
	return []SystemBlock{{Text: text, CacheControl: &CacheControl{TTL: ttl}}}
}
