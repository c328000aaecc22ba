/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package clock wraps the kernel clock_adjtime/adjtimex interface used to
discipline a POSIX clock from a PPS-derived error signal.

Supported operations include:
 - a non-blocking, kernel-slewed one-shot offset via SetOffsetOneshot
 - an absolute frequency offset via AdjustFrequency
 - an atomic whole-and-fractional jump via SetOffsetWholeAndFractional,
   used only for external time reconciliation
 - reading the realtime and monotonic clocks

FractionalJump and SignedMicros implement the fixed fractional-second
mappings the reconciliation layer needs to avoid encoding negative
microsecond fields, which clock_adjtime rejects.
*/
package clock
