/*
Package period implements the calendar arithmetic behind SLA consolidation.

All computation is UTC on epoch seconds. Days anchor at midnight, weeks at
Monday per ISO 8601, months at the first of the month; month length follows
the calendar, so Next and Prev are only meaningful on first-of-month anchors.
The consolidation watermarks in pkg/consolidation are always values produced
by Anchor, Next or Prev, which keeps that assumption true.
*/
package period
