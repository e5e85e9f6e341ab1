/*
Copyright 2024 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    https://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package dhcp4c

import "testing"

func TestEventQueueFIFOOrderAndNeverBlocks(t *testing.T) {
	var q eventQueue

	if _, ok := q.pop(); ok {
		t.Fatalf("pop on empty queue returned ok=true")
	}

	q.push(Event{Kind: EventOffer})
	q.push(Event{Kind: EventGranted})
	q.push(Event{Kind: EventExtended})

	wantOrder := []EventKind{EventOffer, EventGranted, EventExtended}
	for _, want := range wantOrder {
		e, ok := q.pop()
		if !ok {
			t.Fatalf("expected an event, queue was empty")
		}
		if e.Kind != want {
			t.Fatalf("got %v, want %v", e.Kind, want)
		}
	}
	if _, ok := q.pop(); ok {
		t.Fatalf("queue should be drained")
	}
}

func TestEventKindString(t *testing.T) {
	cases := map[EventKind]string{
		EventOffer:     "Offer",
		EventGranted:   "Granted",
		EventRetracted: "Retracted",
		EventExtended:  "Extended",
		EventExpired:   "Expired",
		EventCancelled: "Cancelled",
		EventDown:      "Down",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Fatalf("%d.String() = %q, want %q", k, got, want)
		}
	}
}
