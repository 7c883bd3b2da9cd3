package negotiate

// SelectEarlyMuxer returns the first muxer in the initiator's list that the
// responder also lists, or "" when either list is empty or there is no overlap.
func SelectEarlyMuxer(initiator, responder []string) string {
	for _, m := range initiator {
		for _, r := range responder {
			if m == r {
				return m
			}
		}
	}
	return ""
}
